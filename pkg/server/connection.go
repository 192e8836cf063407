package server

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/apphub-dev/apphub/pkg/protocol"
)

// ErrConnClosed is returned by Send and Receive after the connection
// has been closed from either side.
var ErrConnClosed = errors.New("server: connection closed")

// Conn is a persistent bidirectional packet transport for one session.
// Implementations must keep at most one in-flight Receive; Send must
// be safe for concurrent use.
type Conn interface {
	Send(p protocol.Packet) error
	Receive() (protocol.Packet, error)
	Close() error
	RemoteAddr() string
}

// wsConn adapts a gorilla websocket connection to Conn. Packets travel
// as binary messages, one frame per message.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  sync.Once
}

// NewWebsocketConn wraps an upgraded websocket connection.
func NewWebsocketConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(p protocol.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, protocol.EncodePacket(p)); err != nil {
		return ErrConnClosed
	}
	return nil
}

func (c *wsConn) Receive() (protocol.Packet, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err,
			websocket.CloseGoingAway,
			websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			return protocol.Packet{}, err
		}
		return protocol.Packet{}, ErrConnClosed
	}
	if msgType != websocket.BinaryMessage {
		return protocol.Packet{}, protocol.NewProtocolError(protocol.ReasonInvalidPacket, "non-binary websocket message", nil)
	}
	return protocol.DecodePacket(data)
}

func (c *wsConn) Close() error {
	var err error
	c.closed.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// loopbackConn is one side of an in-process connection pair. It
// carries packets over buffered channels with no socket and no codec
// round-trip beyond the packet struct itself.
type loopbackConn struct {
	send      chan<- protocol.Packet
	recv      <-chan protocol.Packet
	done      chan struct{}
	closeOnce sync.Once
	peerDone  chan struct{}
}

// NewLoopback creates a connected in-process pair. The server side is
// admitted like any other transport; the client side is handed to an
// in-process plugin client.
func NewLoopback() (serverSide, clientSide Conn) {
	a := make(chan protocol.Packet, 64)
	b := make(chan protocol.Packet, 64)
	doneA := make(chan struct{})
	doneB := make(chan struct{})
	serverSide = &loopbackConn{send: a, recv: b, done: doneA, peerDone: doneB}
	clientSide = &loopbackConn{send: b, recv: a, done: doneB, peerDone: doneA}
	return serverSide, clientSide
}

func (c *loopbackConn) Send(p protocol.Packet) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case <-c.peerDone:
		return ErrConnClosed
	case c.send <- p:
		return nil
	}
}

func (c *loopbackConn) Receive() (protocol.Packet, error) {
	select {
	case <-c.done:
		return protocol.Packet{}, ErrConnClosed
	case p, ok := <-c.recv:
		if !ok {
			return protocol.Packet{}, ErrConnClosed
		}
		return p, nil
	case <-c.peerDone:
		// Drain anything the peer sent before closing.
		select {
		case p := <-c.recv:
			return p, nil
		default:
			return protocol.Packet{}, ErrConnClosed
		}
	}
}

func (c *loopbackConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *loopbackConn) RemoteAddr() string { return "loopback" }
