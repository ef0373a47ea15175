package netres

import (
	"sync"
	"sync/atomic"
)

// Loopback transport for tests and local sessions: a set of in-process
// peers delivering packets through buffered queues, one dispatcher
// goroutine per peer. Message and data lanes share a queue.

type LoopbackNet struct {
	mu    sync.Mutex
	peers map[int32]*LoopbackIO
}

func NewLoopbackNet() *LoopbackNet {
	return &LoopbackNet{peers: make(map[int32]*LoopbackIO)}
}

// Join adds a peer to the loopback network.
func (n *LoopbackNet) Join(clientID int32) *LoopbackIO {
	io := &LoopbackIO{
		net:      n,
		clientID: clientID,
		queue:    make(chan loopDelivery, 256),
		done:     make(chan struct{}),
	}
	n.mu.Lock()
	n.peers[clientID] = io
	n.mu.Unlock()
	go io.run()
	return io
}

func (n *LoopbackNet) peer(clientID int32) *LoopbackIO {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[clientID]
}

// Drop disconnects a peer from the network without draining its queue.
func (n *LoopbackNet) Drop(clientID int32) {
	n.mu.Lock()
	io := n.peers[clientID]
	delete(n.peers, clientID)
	n.mu.Unlock()
	if io != nil {
		io.Close()
	}
}

type loopDelivery struct {
	pkt  Packet
	from *LoopbackIO
}

// LoopbackIO implements IO for one in-process peer.
type LoopbackIO struct {
	net      *LoopbackNet
	clientID int32
	handler  PacketHandler
	queue    chan loopDelivery
	closed   atomic.Bool
	done     chan struct{}
}

// SetHandler wires inbound packets to a handler, typically
// (*List).HandlePacket.
func (io *LoopbackIO) SetHandler(h PacketHandler) { io.handler = h }

// ClientID returns the peer's client id.
func (io *LoopbackIO) ClientID() int32 { return io.clientID }

// Close detaches the peer; queued packets are dropped.
func (io *LoopbackIO) Close() {
	if io.closed.CompareAndSwap(false, true) {
		close(io.done)
	}
}

func (io *LoopbackIO) run() {
	for {
		select {
		case d := <-io.queue:
			if io.handler != nil {
				io.handler(d.pkt.Kind, d.pkt.Data, &loopConn{local: io, remote: d.from})
			}
		case <-io.done:
			return
		}
	}
}

func (io *LoopbackIO) deliver(pkt Packet, from *LoopbackIO) error {
	if io.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case io.queue <- loopDelivery{pkt: pkt, from: from}:
		return nil
	case <-io.done:
		return ErrConnectionClosed
	}
}

// BroadcastMsg delivers a packet to every other peer on the network.
func (io *LoopbackIO) BroadcastMsg(pkt Packet) error {
	io.net.mu.Lock()
	peers := make([]*LoopbackIO, 0, len(io.net.peers))
	for _, p := range io.net.peers {
		if p != io {
			peers = append(peers, p)
		}
	}
	io.net.mu.Unlock()
	var firstErr error
	for _, p := range peers {
		if err := p.deliver(pkt, io); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetMsgConnection returns a connection to the given peer, or nil.
func (io *LoopbackIO) GetMsgConnection(clientID int32) Conn {
	return io.connTo(clientID)
}

// GetDataConnection returns a connection to the given peer, or nil.
func (io *LoopbackIO) GetDataConnection(clientID int32) Conn {
	return io.connTo(clientID)
}

func (io *LoopbackIO) connTo(clientID int32) Conn {
	p := io.net.peer(clientID)
	if p == nil || p.closed.Load() {
		return nil
	}
	return &loopConn{local: io, remote: p}
}

// loopConn is one direction of a loopback link: packets sent on it are
// queued at the remote peer, attributed to the local one.
type loopConn struct {
	local  *LoopbackIO
	remote *LoopbackIO
}

func (c *loopConn) Send(pkt Packet) error {
	return c.remote.deliver(pkt, c.local)
}

func (c *loopConn) IsOpen() bool {
	return !c.local.closed.Load() && !c.remote.closed.Load()
}

func (c *loopConn) ClientID() int32 { return c.remote.clientID }

func (c *loopConn) Release() {}
