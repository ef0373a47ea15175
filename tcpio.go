package netres

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// TCPIO is a transport implementation over plain TCP: every peer pair
// keeps a message lane for control traffic and a data lane for bulk
// chunk data. Frames are length-prefixed, one kind byte followed by the
// CBOR payload. The first frame on every connection is a handshake
// carrying the dialer's session id, client id and lane.
type TCPIO struct {
	clientID  int32
	session   string
	handler   PacketHandler
	onConnect func(Conn)

	listener net.Listener
	closed   atomic.Bool
	mu       sync.RWMutex
	lanes    [2]map[int32]*tcpConn
}

const (
	laneMsg uint8 = iota
	laneData
)

// kindHandshake is reserved for the lane handshake frame; it never
// reaches the packet handler.
const kindHandshake PacketKind = 0

type tcpHandshake struct {
	Session  string `cbor:"Session"`
	ClientID int32  `cbor:"ClientID"`
	Lane     uint8  `cbor:"Lane"`
}

// NewTCPIO creates a transport for the given local client id. Inbound
// packets are fed to the handler.
func NewTCPIO(clientID int32, handler PacketHandler) *TCPIO {
	t := &TCPIO{
		clientID: clientID,
		session:  uuid.New().String(),
		handler:  handler,
	}
	t.lanes[laneMsg] = make(map[int32]*tcpConn)
	t.lanes[laneData] = make(map[int32]*tcpConn)
	return t
}

// SetConnectHandler registers a callback invoked once per newly
// connected peer (message lane), typically (*List).OnClientConnect.
func (t *TCPIO) SetConnectHandler(fn func(Conn)) { t.onConnect = fn }

// Listen starts accepting peer connections on addr.
func (t *TCPIO) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("netres: listen: %w", err)
	}
	t.listener = ln
	go t.acceptLoop()
	return nil
}

// Addr returns the listen address, or nil when not listening.
func (t *TCPIO) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Connect dials both lanes to a peer.
func (t *TCPIO) Connect(addr string) error {
	for _, lane := range []uint8{laneMsg, laneData} {
		if err := t.dialLane(addr, lane); err != nil {
			return err
		}
	}
	return nil
}

func (t *TCPIO) dialLane(addr string, lane uint8) error {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("netres: dial: %w", err)
	}
	hs, err := MkPacket(kindHandshake, tcpHandshake{Session: t.session, ClientID: t.clientID, Lane: lane})
	if err != nil {
		c.Close()
		return err
	}
	if err := writeFrame(c, hs); err != nil {
		c.Close()
		return fmt.Errorf("netres: handshake: %w", err)
	}
	reply, err := readFrame(c)
	if err != nil || reply.Kind != kindHandshake {
		c.Close()
		return fmt.Errorf("netres: handshake: %w", ErrCorrupt)
	}
	var peer tcpHandshake
	if err := unmarshalPayload(reply.Data, &peer); err != nil {
		c.Close()
		return err
	}
	conn := t.register(c, peer.ClientID, peer.Session, lane)
	go t.readLoop(conn)
	return nil
}

func (t *TCPIO) acceptLoop() {
	for {
		c, err := t.listener.Accept()
		if err != nil {
			if !t.closed.Load() {
				slog.Warn(fmt.Sprintf("[netres] accept failed: %s", err), "event", "netres:tcpio:accept")
			}
			return
		}
		go t.serveConn(c)
	}
}

func (t *TCPIO) serveConn(c net.Conn) {
	hello, err := readFrame(c)
	if err != nil || hello.Kind != kindHandshake {
		c.Close()
		return
	}
	var peer tcpHandshake
	if err := unmarshalPayload(hello.Data, &peer); err != nil {
		c.Close()
		return
	}
	hs, err := MkPacket(kindHandshake, tcpHandshake{Session: t.session, ClientID: t.clientID, Lane: peer.Lane})
	if err != nil {
		c.Close()
		return
	}
	if err := writeFrame(c, hs); err != nil {
		c.Close()
		return
	}
	conn := t.register(c, peer.ClientID, peer.Session, peer.Lane)
	if peer.Lane == laneMsg && t.onConnect != nil {
		conn.AddRef()
		t.onConnect(conn)
		conn.Release()
	}
	t.readLoop(conn)
}

func (t *TCPIO) register(c net.Conn, clientID int32, session string, lane uint8) *tcpConn {
	conn := &tcpConn{parent: t, c: c, client: clientID, session: session, lane: lane}
	conn.open.Store(true)
	conn.refCnt.Store(1) // registry reference
	t.mu.Lock()
	if prev := t.lanes[lane][clientID]; prev != nil {
		prev.shutdown()
	}
	t.lanes[lane][clientID] = conn
	t.mu.Unlock()
	return conn
}

func (t *TCPIO) unregister(conn *tcpConn) {
	t.mu.Lock()
	if t.lanes[conn.lane][conn.client] == conn {
		delete(t.lanes[conn.lane], conn.client)
	}
	t.mu.Unlock()
	conn.shutdown()
}

func (t *TCPIO) readLoop(conn *tcpConn) {
	for {
		pkt, err := readFrame(conn.c)
		if err != nil {
			if err != io.EOF && !t.closed.Load() {
				slog.Debug(fmt.Sprintf("[netres] connection to client %d lost: %s", conn.client, err), "event", "netres:tcpio:read")
			}
			t.unregister(conn)
			return
		}
		if pkt.Kind == kindHandshake {
			continue
		}
		conn.AddRef()
		t.handler(pkt.Kind, pkt.Data, conn)
		conn.Release()
	}
}

// BroadcastMsg sends a packet to every connected peer's message lane.
func (t *TCPIO) BroadcastMsg(pkt Packet) error {
	t.mu.RLock()
	conns := make([]*tcpConn, 0, len(t.lanes[laneMsg]))
	for _, c := range t.lanes[laneMsg] {
		conns = append(conns, c)
	}
	t.mu.RUnlock()
	var firstErr error
	for _, c := range conns {
		if err := c.Send(pkt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetMsgConnection returns the message lane for a client, referenced.
func (t *TCPIO) GetMsgConnection(clientID int32) Conn {
	return t.getConn(clientID, laneMsg)
}

// GetDataConnection returns the data lane for a client, referenced.
func (t *TCPIO) GetDataConnection(clientID int32) Conn {
	return t.getConn(clientID, laneData)
}

func (t *TCPIO) getConn(clientID int32, lane uint8) Conn {
	t.mu.RLock()
	c := t.lanes[lane][clientID]
	t.mu.RUnlock()
	if c == nil || !c.IsOpen() {
		return nil
	}
	c.AddRef()
	return c
}

// Close shuts the listener and all peer connections down.
func (t *TCPIO) Close() error {
	t.closed.Store(true)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	var all []*tcpConn
	for _, lane := range t.lanes {
		for id, c := range lane {
			all = append(all, c)
			delete(lane, id)
		}
	}
	t.mu.Unlock()
	for _, c := range all {
		c.shutdown()
	}
	return nil
}

// tcpConn is one lane to one peer.
type tcpConn struct {
	parent  *TCPIO
	c       net.Conn
	client  int32
	session string
	lane    uint8
	writeMu sync.Mutex
	refCnt  atomic.Int32
	open    atomic.Bool
}

func (c *tcpConn) Send(pkt Packet) error {
	if !c.open.Load() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.c, pkt)
}

func (c *tcpConn) IsOpen() bool    { return c.open.Load() }
func (c *tcpConn) ClientID() int32 { return c.client }

func (c *tcpConn) AddRef() { c.refCnt.Add(1) }

// Release drops a reference; the underlying socket closes once the
// registry and all handlers are done with the connection.
func (c *tcpConn) Release() {
	if c.refCnt.Add(-1) == 0 {
		c.c.Close()
	}
}

// shutdown marks the connection closed and drops the registry reference.
func (c *tcpConn) shutdown() {
	if c.open.CompareAndSwap(true, false) {
		c.Release()
	}
}

func writeFrame(w io.Writer, pkt Packet) error {
	if len(pkt.Data)+1 > PacketMaxLen {
		return fmt.Errorf("netres: frame too large (%d bytes)", len(pkt.Data))
	}
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(pkt.Data)+1))
	hdr[4] = byte(pkt.Kind)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(pkt.Data)
	return err
}

func readFrame(r io.Reader) (Packet, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n < 1 || n > PacketMaxLen {
		return Packet{}, fmt.Errorf("netres: bad frame length %d: %w", n, ErrCorrupt)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Packet{}, err
	}
	return Packet{Kind: PacketKind(buf[0]), Data: buf[1:]}, nil
}
