package netres

// The engine does not own sockets: it talks to the session's network layer
// through the IO interface. Control traffic (discover, status, derive,
// request) travels over a peer's message connection; bulk chunk data over
// its data connection. Both may be the same underlying connection.

// Conn is a reference-counted connection to one peer. Handlers obtain a
// Conn through IO and must Release it when done.
type Conn interface {
	// Send enqueues one packet. It may block on connection flow control.
	Send(pkt Packet) error
	// IsOpen reports whether the connection is still usable.
	IsOpen() bool
	// ClientID returns the remote peer's client id.
	ClientID() int32
	// Release drops the caller's reference.
	Release()
}

// IO is the transport the resource list sends through.
type IO interface {
	// BroadcastMsg sends a packet to every connected peer's message lane.
	BroadcastMsg(pkt Packet) error
	// GetMsgConnection returns the message connection for a client, or nil.
	// The caller owns a reference and must Release it.
	GetMsgConnection(clientID int32) Conn
	// GetDataConnection returns the data connection for a client, or nil.
	// The caller owns a reference and must Release it.
	GetDataConnection(clientID int32) Conn
}

// PacketHandler consumes inbound packets; the conn identifies the sender
// and can be used to reply. Implemented by (*List).HandlePacket.
type PacketHandler func(kind PacketKind, payload []byte, conn Conn)
