package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/polarsignals/exchange/tasks"
)

// Network connects LocalTransports living in the same process. It is used by
// tests and by single-process deployments.
type Network struct {
	mtx   sync.Mutex
	nodes map[string]*LocalTransport
}

func NewNetwork() *Network {
	return &Network{nodes: map[string]*LocalTransport{}}
}

// NewTransport adds a node to the network.
func (n *Network) NewTransport(id string) *LocalTransport {
	t := &LocalTransport{
		network:      n,
		local:        Node{ID: id},
		behaviors:    map[string][]func(Handler) Handler{},
		disconnected: map[string]bool{},
	}
	t.handlers.register(HandshakeActionName, handshakeHandler(t.local))

	n.mtx.Lock()
	n.nodes[id] = t
	n.mtx.Unlock()
	return t
}

func (n *Network) node(id string) (*LocalTransport, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	t, ok := n.nodes[id]
	return t, ok
}

type LocalTransport struct {
	network  *Network
	local    Node
	handlers handlers

	mtx          sync.Mutex
	behaviors    map[string][]func(Handler) Handler
	disconnected map[string]bool
	closed       bool

	inflight sync.WaitGroup
}

func (t *LocalTransport) LocalNode() Node { return t.local }

func (t *LocalTransport) RegisterHandler(action string, h Handler) {
	t.handlers.register(action, h)
}

// AddRequestHandlingBehavior wraps the handler of action for requests
// arriving at this node. Wrappers apply in the order they were added, the
// last one outermost.
func (t *LocalTransport) AddRequestHandlingBehavior(action string, wrap func(Handler) Handler) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.behaviors[action] = append(t.behaviors[action], wrap)
}

// ClearBehaviors removes every request handling behavior.
func (t *LocalTransport) ClearBehaviors() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.behaviors = map[string][]func(Handler) Handler{}
}

// Disconnect makes requests from this node to node fail with ErrDisconnected.
func (t *LocalTransport) Disconnect(node string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.disconnected[node] = true
}

func (t *LocalTransport) Reconnect(node string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.disconnected, node)
}

func (t *LocalTransport) handler(action string) (Handler, bool) {
	h, ok := t.handlers.get(action)
	if !ok {
		return nil, false
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for _, wrap := range t.behaviors[action] {
		h = wrap(h)
	}
	return h, true
}

func (t *LocalTransport) SendRequest(ctx context.Context, node Node, action string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	t.mtx.Lock()
	closed, disconnected := t.closed, t.disconnected[node.ID]
	t.mtx.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if disconnected {
		return nil, fmt.Errorf("%w: %s", ErrDisconnected, node)
	}

	target, ok := t.network.node(node.ID)
	if !ok || !target.accept() {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotConnected, node)
	}
	defer target.inflight.Done()

	h, ok := target.handler(action)
	if !ok {
		return nil, &RemoteError{Node: node.ID, Action: action, Err: fmt.Errorf("%w: %s", ErrUnknownAction, action)}
	}

	// The handler observes cancellation of the requester through its own
	// context, like it would on the far side of a connection.
	serverCtx, cancel := context.WithCancelCause(tasks.WithParent(context.Background(), tasks.ParentFromContext(ctx)))
	stop := context.AfterFunc(ctx, func() { cancel(context.Cause(ctx)) })
	defer func() {
		stop()
		cancel(nil)
	}()

	ch := newResponseChannel()
	h(serverCtx, &Request{
		Action:     action,
		Sender:     t.local,
		ParentTask: tasks.ParentFromContext(ctx),
		Payload:    payload,
	}, ch)

	select {
	case r := <-ch.result:
		if r.err != nil {
			return nil, &RemoteError{Node: node.ID, Action: action, Err: r.err}
		}
		return r.payload, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// accept registers an in-flight request unless the transport is closed.
func (t *LocalTransport) accept() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.closed {
		return false
	}
	t.inflight.Add(1)
	return true
}

// Close removes the node from the network and waits for requests it is
// serving.
func (t *LocalTransport) Close() error {
	t.mtx.Lock()
	if t.closed {
		t.mtx.Unlock()
		return nil
	}
	t.closed = true
	t.mtx.Unlock()

	t.network.mtx.Lock()
	delete(t.network.nodes, t.local.ID)
	t.network.mtx.Unlock()

	t.inflight.Wait()
	return nil
}
