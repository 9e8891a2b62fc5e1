package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

const (
	deliverMethod = "/zephyrgroup.Transport/Deliver"
	outboxSize    = 1024
	sendTimeout   = 2 * time.Second
)

// DeliverServer is the server side of the frame service.
type DeliverServer interface {
	Deliver(ctx context.Context, f *Frame) (*Frame, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeliverServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeliverServer).Deliver(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "zephyrgroup.Transport",
	HandlerType: (*DeliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "zephyrgroup/transport",
}

// GRPC is the production transport. Every destination has its own outbox
// drained by one goroutine, which keeps frames to a peer in order. Frames
// that cannot be delivered are reported through Handler.Undelivered.
type GRPC struct {
	addr   string
	logger *zap.Logger
	srv    *grpc.Server
	lis    net.Listener

	mu      sync.Mutex
	h       Handler
	peers   map[string]*outbox
	closed  bool
	serveWG sync.WaitGroup
}

type outbox struct {
	conn   *grpc.ClientConn
	frames chan []byte
	done   chan struct{}
}

func reuseAddr(network, address string, conn syscall.RawConn) error {
	var sockErr error
	if err := conn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// NewGRPC listens on addr and starts serving. With port 0 the chosen port
// is reflected in Addr.
func NewGRPC(addr string, logger *zap.Logger) (*GRPC, error) {
	if addr == "" || !strings.Contains(addr, ":") {
		return nil, fmt.Errorf("invalid address: %s", addr)
	}
	lc := net.ListenConfig{Control: reuseAddr}
	lis, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	g := &GRPC{
		addr:   advertised(addr, lis.Addr()),
		logger: logger.Named("transport"),
		srv:    grpc.NewServer(),
		lis:    lis,
		peers:  make(map[string]*outbox),
	}
	g.srv.RegisterService(&serviceDesc, g)
	g.serveWG.Add(1)
	go func() {
		defer g.serveWG.Done()
		if err := g.srv.Serve(lis); err != nil {
			g.logger.Error("grpc serve stopped", zap.Error(err))
		}
	}()
	return g, nil
}

// advertised keeps the configured host and takes the bound port.
func advertised(configured string, bound net.Addr) string {
	host, _, err := net.SplitHostPort(configured)
	if err != nil || host == "" {
		return bound.String()
	}
	_, port, err := net.SplitHostPort(bound.String())
	if err != nil {
		return bound.String()
	}
	return net.JoinHostPort(host, port)
}

func (g *GRPC) Addr() string { return g.addr }

func (g *GRPC) Listen(h Handler) {
	g.mu.Lock()
	g.h = h
	g.mu.Unlock()
}

func (g *GRPC) handler() Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.h
}

// Deliver serves an inbound frame: the sender's address followed by the
// payload.
func (g *GRPC) Deliver(_ context.Context, f *Frame) (*Frame, error) {
	e := wire.FromBytes(f.Data)
	from, err := e.PopString()
	if err != nil {
		return nil, fmt.Errorf("deliver: %w", err)
	}
	if h := g.handler(); h != nil {
		h.Deliver(from, e.Bytes())
	}
	return &Frame{}, nil
}

func (g *GRPC) Send(to string, frame []byte) {
	e := wire.FromBytes(append([]byte(nil), frame...))
	e.PushString(g.addr)
	if err := g.enqueue(to, e.Bytes()); err != nil {
		g.undelivered(to, err)
	}
}

func (g *GRPC) enqueue(to string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	ob, ok := g.peers[to]
	if !ok {
		conn, err := grpc.NewClient(to,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		)
		if err != nil {
			return fmt.Errorf("dial %s: %w", to, err)
		}
		ob = &outbox{conn: conn, frames: make(chan []byte, outboxSize), done: make(chan struct{})}
		g.peers[to] = ob
		go g.drain(to, ob)
	}
	select {
	case ob.frames <- data:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrOutboxFull, to)
	}
}

func (g *GRPC) undelivered(to string, err error) {
	g.logger.Warn("frame undelivered", zap.String("to", to), zap.Error(err))
	if h := g.handler(); h != nil {
		h.Undelivered(to, err)
	}
}

func (g *GRPC) drain(to string, ob *outbox) {
	defer close(ob.done)
	for data := range ob.frames {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := ob.conn.Invoke(ctx, deliverMethod, &Frame{Data: data}, new(Frame))
		cancel()
		if err != nil {
			g.undelivered(to, err)
		}
	}
}

// Close stops the server and every outbox. Frames still queued are
// dropped once their connection closes.
func (g *GRPC) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.closed = true
	peers := g.peers
	g.peers = nil
	g.h = nil
	g.mu.Unlock()

	var errs error
	for _, ob := range peers {
		close(ob.frames)
		errs = multierr.Append(errs, ob.conn.Close())
		<-ob.done
	}
	g.srv.Stop()
	g.serveWG.Wait()
	return errs
}
