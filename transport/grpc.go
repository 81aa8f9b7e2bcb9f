package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/polarsignals/exchange/page"
	"github.com/polarsignals/exchange/tasks"
)

const (
	serviceName  = "exchange.transport.v1.Transport"
	invokeMethod = "/" + serviceName + "/Invoke"

	actionKey     = "x-exchange-action"
	senderKey     = "x-exchange-sender"
	parentTaskKey = "x-exchange-parent-task"

	DefaultMaxMessageSize = 64 << 20
)

type invoker interface {
	invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*invoker)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Invoke",
		Handler:    invokeHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "exchange/transport/v1/transport.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(invoker).invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(invoker).invoke(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// errorCodes maps well-known failures to status codes. The sentinel's text
// travels as a status detail so that the requester can restore it.
var (
	errorCodesMtx sync.RWMutex
	errorCodes    = []struct {
		err  error
		code codes.Code
	}{
		{ErrUnknownAction, codes.Unimplemented},
		{page.ErrCircuitBreaking, codes.ResourceExhausted},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{tasks.ErrTaskCancelled, codes.Canceled},
	}
)

// RegisterError makes err survive the trip through the gRPC transport: a
// handler failure matching err with errors.Is is restored on the requester
// as an error wrapping err.
func RegisterError(err error, code codes.Code) {
	errorCodesMtx.Lock()
	defer errorCodesMtx.Unlock()
	errorCodes = append(errorCodes, struct {
		err  error
		code codes.Code
	}{err, code})
}

func toStatus(err error) *status.Status {
	errorCodesMtx.RLock()
	defer errorCodesMtx.RUnlock()
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			st := status.New(e.code, err.Error())
			if withDetail, derr := st.WithDetails(wrapperspb.String(e.err.Error())); derr == nil {
				return withDetail
			}
			return st
		}
	}
	return status.New(codes.Unknown, err.Error())
}

func fromStatus(st *status.Status) error {
	for _, d := range st.Details() {
		s, ok := d.(*wrapperspb.StringValue)
		if !ok {
			continue
		}
		errorCodesMtx.RLock()
		for _, e := range errorCodes {
			if e.err.Error() == s.GetValue() {
				errorCodesMtx.RUnlock()
				return fmt.Errorf("%w: %s", e.err, st.Message())
			}
		}
		errorCodesMtx.RUnlock()
	}
	return errors.New(st.Message())
}

type GRPCOption func(*GRPCTransport) error

func WithLogger(logger log.Logger) GRPCOption {
	return func(t *GRPCTransport) error {
		t.logger = logger
		return nil
	}
}

// WithMaxMessageSize bounds the size of a single request or response.
func WithMaxMessageSize(n int) GRPCOption {
	return func(t *GRPCTransport) error {
		if n <= 0 {
			return fmt.Errorf("max message size must be positive, got %d", n)
		}
		t.maxMessageSize = n
		return nil
	}
}

func WithDialOptions(opts ...grpc.DialOption) GRPCOption {
	return func(t *GRPCTransport) error {
		t.dialOpts = append(t.dialOpts, opts...)
		return nil
	}
}

// GRPCTransport serves registered actions on a listener and sends requests to
// other nodes over one client connection per address.
type GRPCTransport struct {
	local          Node
	logger         log.Logger
	maxMessageSize int
	dialOpts       []grpc.DialOption

	handlers handlers
	server   *grpc.Server
	lis      net.Listener
	serveErr chan error

	mtx    sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

// NewGRPCTransport starts serving on lis. The local node's address is the
// listener's address.
func NewGRPCTransport(id string, lis net.Listener, opts ...GRPCOption) (*GRPCTransport, error) {
	t := &GRPCTransport{
		local:          Node{ID: id, Address: lis.Addr().String()},
		logger:         log.NewNopLogger(),
		maxMessageSize: DefaultMaxMessageSize,
		lis:            lis,
		conns:          map[string]*grpc.ClientConn{},
		serveErr:       make(chan error, 1),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	t.logger = log.WithPrefix(t.logger, "node", id)
	t.handlers.register(HandshakeActionName, handshakeHandler(t.local))

	t.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(t.maxMessageSize),
		grpc.MaxSendMsgSize(t.maxMessageSize),
	)
	t.server.RegisterService(&serviceDesc, t)

	go func() {
		t.serveErr <- t.server.Serve(lis)
	}()
	level.Debug(t.logger).Log("msg", "transport listening", "address", t.local.Address)

	return t, nil
}

func (t *GRPCTransport) LocalNode() Node { return t.local }

func (t *GRPCTransport) RegisterHandler(action string, h Handler) {
	t.handlers.register(action, h)
}

func (t *GRPCTransport) invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	req := &Request{
		Action:  first(md, actionKey),
		Sender:  Node{ID: first(md, senderKey)},
		Payload: in.GetValue(),
	}
	parent, err := tasks.ParseID(first(md, parentTaskKey))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	req.ParentTask = parent

	h, ok := t.handlers.get(req.Action)
	if !ok {
		return nil, toStatus(fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)).Err()
	}

	ch := newResponseChannel()
	h(tasks.WithParent(ctx, parent), req, ch)

	select {
	case r := <-ch.result:
		if r.err != nil {
			return nil, toStatus(r.err).Err()
		}
		return wrapperspb.Bytes(r.payload), nil
	case <-ctx.Done():
		return nil, status.FromContextError(context.Cause(ctx)).Err()
	}
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (t *GRPCTransport) conn(node Node) (*grpc.ClientConn, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if c, ok := t.conns[node.Address]; ok {
		return c, nil
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(t.maxMessageSize),
			grpc.MaxCallSendMsgSize(t.maxMessageSize),
		),
	}, t.dialOpts...)
	c, err := grpc.NewClient(node.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeNotConnected, node, err)
	}
	t.conns[node.Address] = c
	return c, nil
}

func (t *GRPCTransport) SendRequest(ctx context.Context, node Node, action string, payload []byte) ([]byte, error) {
	c, err := t.conn(node)
	if err != nil {
		return nil, err
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		actionKey, action,
		senderKey, t.local.ID,
		parentTaskKey, tasks.ParentFromContext(ctx).String(),
	)
	out := new(wrapperspb.BytesValue)
	if err := c.Invoke(ctx, invokeMethod, wrapperspb.Bytes(payload), out); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		st := status.Convert(err)
		if st.Code() == codes.Unavailable {
			return nil, fmt.Errorf("%w: %s: %s", ErrNodeNotConnected, node, st.Message())
		}
		return nil, &RemoteError{Node: node.String(), Action: action, Err: fromStatus(st)}
	}
	return out.GetValue(), nil
}

// Close stops serving, waiting for in-flight requests, and closes client
// connections.
func (t *GRPCTransport) Close() error {
	t.mtx.Lock()
	if t.closed {
		t.mtx.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = nil
	t.mtx.Unlock()

	t.server.GracefulStop()
	var errs []error
	if err := <-t.serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		errs = append(errs, err)
	}
	for addr, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection to %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}
