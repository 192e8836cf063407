// Package client is a minimal hub client: it drives the connect
// handshake, dispatches incoming packets to registered handlers, and
// wraps the endpoint call and table/signal subscription flows. It is
// used by in-process plugins (over a loopback transport), isolated
// plugin children (over a websocket), and tests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/apphub-dev/apphub/pkg/api/asset"
	"github.com/apphub-dev/apphub/pkg/api/endpoint"
	"github.com/apphub-dev/apphub/pkg/api/permission"
	"github.com/apphub-dev/apphub/pkg/api/registry"
	"github.com/apphub-dev/apphub/pkg/api/signal"
	"github.com/apphub-dev/apphub/pkg/api/table"
	"github.com/apphub-dev/apphub/pkg/app"
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/security"
	"github.com/apphub-dev/apphub/pkg/server"
)

// ErrDisconnected is returned by operations after the connection has
// closed.
var ErrDisconnected = errors.New("client: disconnected")

// CallError is a typed endpoint failure reported by the server.
type CallError struct {
	Endpoint identifier.ID
	Message  string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("client: call %s: %s", e.Endpoint.Key(), e.Message)
}

// Options configures a client before Connect.
type Options struct {
	// Token authenticates as a previously granted app; empty for
	// first contact (the server mints one during the handshake).
	Token  string
	Logger *slog.Logger
}

// Client is one app's connection to the hub.
type Client struct {
	conn   server.Conn
	app    app.App
	logger *slog.Logger

	mu       sync.Mutex
	token    string
	handlers map[string][]func(payload []byte)
	served   map[string]EndpointFunc
	calls    map[uint64]chan callResult
	readyCh  chan struct{}
	closed   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	callKey   atomic.Uint64
	closeOnce sync.Once

	// DisconnectReason records why the server closed the connection,
	// when it did so explicitly.
	DisconnectReason protocol.DisconnectReason
}

type callResult struct {
	payload []byte
	err     error
}

// EndpointFunc serves one endpoint this client provides. The context
// is cancelled when the client closes.
type EndpointFunc func(ctx context.Context, req []byte) ([]byte, error)

// New wraps an established transport. Use Dial for a network
// connection or attach the client side of a loopback pair.
func New(conn server.Conn, a app.App, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:     conn,
		app:      a,
		logger:   logger.With("component", "client", "app", a.Key()),
		token:    opts.Token,
		handlers: make(map[string][]func(payload []byte)),
		served:   make(map[string]EndpointFunc),
		calls:    make(map[uint64]chan callResult),
		readyCh:  make(chan struct{}),
		closed:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dial opens a websocket connection to the hub and wraps it.
func Dial(ctx context.Context, address string, a app.App, opts Options) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+address+"/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("client: dialing %s: %w", address, err)
	}
	return New(server.NewWebsocketConn(conn), a, opts), nil
}

// Token returns the bearer token in effect after Connect.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// App returns the client's identity descriptor.
func (c *Client) App() app.App { return c.app }

// Connect performs the handshake: connect with the current token (or
// none), adopt the minted token and resend on first contact, then
// confirm server_meta. On success the read loop starts and handlers
// begin receiving packets.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.sendConnect(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		p, err := c.conn.Receive()
		if err != nil {
			return fmt.Errorf("client: handshake read: %w", err)
		}
		switch p.Type {
		case protocol.PacketToken.ID().Key():
			token, err := protocol.PacketToken.Decode(p.Payload)
			if err != nil {
				return err
			}
			c.mu.Lock()
			first := c.token == ""
			c.token = token
			c.mu.Unlock()
			if first {
				// Token was minted for us; resend connect with it.
				if err := c.sendConnect(); err != nil {
					return err
				}
			}
		case protocol.PacketServerMeta.ID().Key():
			// Accepted; the trailing token confirmation is consumed
			// by the read loop.
			go c.run()
			return nil
		case protocol.PacketDisconnect.ID().Key():
			d, err := protocol.PacketDisconnect.Decode(p.Payload)
			if err != nil {
				return err
			}
			c.DisconnectReason = d.Reason
			return fmt.Errorf("client: rejected: %s (%s)", d.Reason, d.Message)
		default:
			return fmt.Errorf("client: unexpected packet %s during handshake", p.Type)
		}
	}
}

func (c *Client) sendConnect() error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	return c.send(protocol.PacketConnect, protocol.ConnectPayload{
		App:      c.app,
		Protocol: protocol.VersionInfo{Version: protocol.Version},
		Token:    token,
	})
}

// Ready declares the client ready and blocks until the server's ready
// packet arrives (after any deferred permission grants resolve).
func (c *Client) Ready(ctx context.Context) error {
	if err := c.send(protocol.PacketReady, protocol.Ready{}); err != nil {
		return err
	}
	select {
	case <-c.readyCh:
		return nil
	case <-c.closed:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)
	})
	return c.conn.Close()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.closed }

func send[T any](c *Client, pt protocol.PacketType[T], v T) error {
	return c.send(pt, v)
}

func (c *Client) send(pt interface {
	EncodeAny(any) ([]byte, error)
	ID() identifier.ID
}, v any) error {
	payload, err := pt.EncodeAny(v)
	if err != nil {
		return err
	}
	return c.conn.Send(protocol.Packet{Type: pt.ID().Key(), Payload: payload})
}

// Handle subscribes fn to every incoming packet of type pt.
func Handle[T any](c *Client, pt protocol.PacketType[T], fn func(T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pt.ID().Key()
	c.handlers[key] = append(c.handlers[key], func(payload []byte) {
		v, err := pt.Decode(payload)
		if err != nil {
			c.logger.Warn("dropping malformed packet", "type", key, "error", err)
			return
		}
		fn(v)
	})
}

// run is the post-handshake read loop.
func (c *Client) run() {
	defer c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)
	})
	for {
		p, err := c.conn.Receive()
		if err != nil {
			c.failPendingCalls(ErrDisconnected)
			return
		}
		switch p.Type {
		case protocol.PacketReady.ID().Key():
			select {
			case <-c.readyCh:
			default:
				close(c.readyCh)
			}
		case protocol.PacketDisconnect.ID().Key():
			if d, err := protocol.PacketDisconnect.Decode(p.Payload); err == nil {
				c.DisconnectReason = d.Reason
			}
			c.failPendingCalls(ErrDisconnected)
			_ = c.conn.Close()
			return
		case endpoint.PacketCall.ID().Key():
			if d, err := endpoint.PacketCall.Decode(p.Payload); err == nil {
				c.mu.Lock()
				fn, ok := c.served[d.Endpoint.Key()]
				c.mu.Unlock()
				if ok {
					go c.serveCall(fn, d)
					continue
				}
			}
			c.dispatch(p)
		case endpoint.PacketReceive.ID().Key():
			if d, err := endpoint.PacketReceive.Decode(p.Payload); err == nil {
				c.resolveCall(d.Key, callResult{payload: d.Payload})
			}
		case endpoint.PacketError.ID().Key():
			if e, err := endpoint.PacketError.Decode(p.Payload); err == nil {
				c.resolveCall(e.Key, callResult{err: &CallError{Endpoint: e.Endpoint, Message: e.Error}})
			}
		default:
			c.dispatch(p)
		}
	}
}

func (c *Client) dispatch(p protocol.Packet) {
	c.mu.Lock()
	handlers := append([]func([]byte){}, c.handlers[p.Type]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(p.Payload)
	}
}

func (c *Client) resolveCall(key uint64, res callResult) {
	c.mu.Lock()
	ch, ok := c.calls[key]
	delete(c.calls, key)
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (c *Client) failPendingCalls(err error) {
	c.mu.Lock()
	calls := c.calls
	c.calls = make(map[uint64]chan callResult)
	c.mu.Unlock()
	for _, ch := range calls {
		ch <- callResult{err: err}
	}
}

// ServeEndpoint registers this session as the provider for an
// endpoint, optionally gated by a permission id, and dispatches
// incoming calls to fn. Each call gets exactly one correlated response
// or error reply.
func (c *Client) ServeEndpoint(id identifier.ID, perm *identifier.ID, fn EndpointFunc) error {
	c.mu.Lock()
	c.served[id.Key()] = fn
	c.mu.Unlock()
	return send(c, endpoint.PacketRegister, []endpoint.Registration{{ID: id, Permission: perm}})
}

func (c *Client) serveCall(fn EndpointFunc, d endpoint.CallData) {
	res, err := fn(c.ctx, d.Payload)
	if err != nil {
		_ = send(c, endpoint.PacketError, endpoint.ErrorData{Endpoint: d.Endpoint, Key: d.Key, Error: err.Error()})
		return
	}
	_ = send(c, endpoint.PacketReceive, endpoint.CallData{Endpoint: d.Endpoint, Key: d.Key, Payload: res})
}

// Call invokes an endpoint and awaits its single correlated response.
// Concurrent calls use distinct correlation keys.
func (c *Client) Call(ctx context.Context, id identifier.ID, payload []byte) ([]byte, error) {
	key := c.callKey.Add(1)
	ch := make(chan callResult, 1)
	c.mu.Lock()
	c.calls[key] = ch
	c.mu.Unlock()

	if err := send(c, endpoint.PacketCall, endpoint.CallData{Endpoint: id, Key: key, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.calls, key)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-c.closed:
		return nil, ErrDisconnected
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.calls, key)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// CallJSON invokes an endpoint with JSON request and response bodies.
func CallJSON[Req, Res any](ctx context.Context, c *Client, id identifier.ID, req Req) (Res, error) {
	var res Res
	body, err := json.Marshal(req)
	if err != nil {
		return res, err
	}
	out, err := c.Call(ctx, id, body)
	if err != nil {
		return res, err
	}
	return res, json.Unmarshal(out, &res)
}

// ObserveTable subscribes to a table's mutation events.
func (c *Client) ObserveTable(id identifier.ID) error {
	return send(c, table.PacketListen, table.Ref{Table: id})
}

// AddTableItems requests insertion of entries into a table.
func (c *Client) AddTableItems(id identifier.ID, items map[string][]byte) error {
	return send(c, table.PacketItemAdd, table.Items{Table: id, Items: items})
}

// ObserveRegistry subscribes to a registry's change stream; the
// latest snapshot arrives immediately when one exists.
func (c *Client) ObserveRegistry(id identifier.ID) error {
	return send(c, registry.PacketListen, registry.Ref{Registry: id})
}

// UpdateRegistry sets a registry value.
func (c *Client) UpdateRegistry(id identifier.ID, value []byte) error {
	return send(c, registry.PacketUpdate, registry.Value{Registry: id, Value: value})
}

// RegisterPermissions declares permission types under this app's id.
func (c *Client) RegisterPermissions(perms []security.PermissionType) error {
	return send(c, permission.PacketRegister, perms)
}

// RequirePermissions lists grants this session needs before becoming
// ready. Call before Ready; the ready packet is held back until the
// grants resolve.
func (c *Client) RequirePermissions(ids []identifier.ID) error {
	return send(c, permission.PacketRequire, ids)
}

// UploadAsset stores a blob under an identifier in this app's subtree.
func (c *Client) UploadAsset(ctx context.Context, id identifier.ID, data []byte) error {
	body, err := asset.EncodeBlob(asset.Blob{ID: id, Data: data})
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, asset.EndpointUpload, body)
	return err
}

// DownloadAsset fetches a stored blob.
func (c *Client) DownloadAsset(ctx context.Context, id identifier.ID) ([]byte, error) {
	out, err := c.Call(ctx, asset.EndpointDownload, []byte(id.Key()))
	if err != nil {
		return nil, err
	}
	blob, err := asset.DecodeBlob(out)
	if err != nil {
		return nil, err
	}
	return blob.Data, nil
}

// ListenSignal subscribes to a signal.
func (c *Client) ListenSignal(id identifier.ID) error {
	return send(c, signal.PacketListen, signal.Ref{Signal: id})
}

// NotifySignal broadcasts a payload on a signal.
func (c *Client) NotifySignal(id identifier.ID, payload []byte) error {
	return send(c, signal.PacketNotify, signal.Notification{Signal: id, Payload: payload})
}
