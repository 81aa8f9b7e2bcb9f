// Package transport moves opaque request payloads between nodes. Each node
// registers handlers by action name; a request names an action and is
// answered exactly once with a payload or an error.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/polarsignals/exchange/tasks"
)

var (
	ErrNodeNotConnected = errors.New("node not connected")
	ErrDisconnected     = errors.New("node disconnected")
	ErrUnknownAction    = errors.New("no handler registered for action")
	ErrClosed           = errors.New("transport closed")
)

// HandshakeActionName is answered by every transport with its node id.
const HandshakeActionName = "internal:transport/handshake"

type Node struct {
	ID      string
	Address string
}

func (n Node) String() string {
	if n.Address == "" {
		return n.ID
	}
	return n.ID + "@" + n.Address
}

type Request struct {
	Action     string
	Sender     Node
	ParentTask tasks.ID
	Payload    []byte
}

// Channel answers a single request. Only the first call of either method has
// an effect; later calls return ErrResponseSent.
type Channel interface {
	SendResponse(payload []byte) error
	SendError(err error) error
}

var ErrResponseSent = errors.New("response already sent")

// Handler serves one request. It may answer on ch from any goroutine after
// returning; ctx is cancelled when the requester gives up.
type Handler func(ctx context.Context, req *Request, ch Channel)

type Transport interface {
	LocalNode() Node
	RegisterHandler(action string, h Handler)
	// SendRequest sends payload to node and waits for the answer. The parent
	// task carried by ctx travels with the request.
	SendRequest(ctx context.Context, node Node, action string, payload []byte) ([]byte, error)
	Close() error
}

// RemoteError is a failure reported by the handler on another node.
type RemoteError struct {
	Node   string
	Action string
	Err    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote node [%s] action [%s]: %v", e.Node, e.Action, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

type result struct {
	payload []byte
	err     error
}

// responseChannel delivers the first answer to a buffered channel.
type responseChannel struct {
	once   sync.Once
	result chan result
}

func newResponseChannel() *responseChannel {
	return &responseChannel{result: make(chan result, 1)}
}

func (c *responseChannel) send(r result) error {
	sent := false
	c.once.Do(func() {
		c.result <- r
		sent = true
	})
	if !sent {
		return ErrResponseSent
	}
	return nil
}

func (c *responseChannel) SendResponse(payload []byte) error {
	return c.send(result{payload: payload})
}

func (c *responseChannel) SendError(err error) error {
	return c.send(result{err: err})
}

// handlers is the action registry shared by the transport implementations.
type handlers struct {
	mtx sync.RWMutex
	m   map[string]Handler
}

func (h *handlers) register(action string, handler Handler) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.m == nil {
		h.m = map[string]Handler{}
	}
	h.m[action] = handler
}

func (h *handlers) get(action string) (Handler, bool) {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	handler, ok := h.m[action]
	return handler, ok
}

func handshakeHandler(local Node) Handler {
	return func(_ context.Context, _ *Request, ch Channel) {
		_ = ch.SendResponse([]byte(local.ID))
	}
}
