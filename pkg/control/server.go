package control

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/fortiblox/hevm/pkg/hevm"
	"github.com/fortiblox/hevm/pkg/store"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC service name.
const ServiceName = "hevm.Control"

// MaxWait bounds a single Wait call.
const MaxWait = 5 * time.Minute

// ControlServer is the service implemented by Server.
type ControlServer interface {
	Load(context.Context, *LoadRequest) (*StatusReply, error)
	Run(context.Context, *SessionRequest) (*StatusReply, error)
	Pause(context.Context, *SessionRequest) (*StatusReply, error)
	Step(context.Context, *SessionRequest) (*StatusReply, error)
	Crash(context.Context, *CrashRequest) (*StatusReply, error)
	Status(context.Context, *SessionRequest) (*StatusReply, error)
	StackTrace(context.Context, *SessionRequest) (*StackTraceReply, error)
	Wait(context.Context, *WaitRequest) (*StatusReply, error)
	Output(context.Context, *SessionRequest) (*OutputReply, error)
	List(context.Context, *ListRequest) (*ListReply, error)
	Close(context.Context, *SessionRequest) (*StatusReply, error)
}

// Server implements ControlServer on top of a Manager.
type Server struct {
	mgr *Manager
}

// NewServer creates a control server for mgr.
func NewServer(mgr *Manager) *Server {
	return &Server{mgr: mgr}
}

// NewGRPCServer returns a gRPC server with the control service registered
// and the JSON codec forced.
func NewGRPCServer(mgr *Manager, logger *zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(loggingInterceptor(log.With().Str("component", "grpc").Logger())),
	}, opts...)
	srv := grpc.NewServer(opts...)
	RegisterControlServer(srv, NewServer(mgr))
	return srv
}

// Serve runs srv on lis until ctx is cancelled, then stops it gracefully.
func Serve(ctx context.Context, srv *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Load(ctx context.Context, req *LoadRequest) (*StatusReply, error) {
	sess, err := s.mgr.Load(req)
	if err != nil {
		return nil, toStatus(err)
	}
	return sess.Status(), nil
}

func (s *Server) Run(ctx context.Context, req *SessionRequest) (*StatusReply, error) {
	return s.control(req.Session, (*hevm.VM).Run)
}

func (s *Server) Pause(ctx context.Context, req *SessionRequest) (*StatusReply, error) {
	return s.control(req.Session, (*hevm.VM).Pause)
}

func (s *Server) Step(ctx context.Context, req *SessionRequest) (*StatusReply, error) {
	return s.control(req.Session, (*hevm.VM).Step)
}

func (s *Server) Crash(ctx context.Context, req *CrashRequest) (*StatusReply, error) {
	return s.control(req.Session, func(vm *hevm.VM) error {
		vm.Crash(req.Reason)
		return nil
	})
}

func (s *Server) Status(ctx context.Context, req *SessionRequest) (*StatusReply, error) {
	sess, err := s.mgr.Get(req.Session)
	if err != nil {
		return nil, toStatus(err)
	}
	return sess.Status(), nil
}

func (s *Server) StackTrace(ctx context.Context, req *SessionRequest) (*StackTraceReply, error) {
	sess, err := s.mgr.Get(req.Session)
	if err != nil {
		return nil, toStatus(err)
	}
	trace := sess.VM().StackTrace()
	if trace == nil {
		trace = []int64{}
	}
	return &StackTraceReply{Session: sess.Name, StackTrace: trace}, nil
}

func (s *Server) Wait(ctx context.Context, req *WaitRequest) (*StatusReply, error) {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 || timeout > MaxWait {
		timeout = MaxWait
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := s.mgr.Wait(ctx, req.Session)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply, nil
}

func (s *Server) Output(ctx context.Context, req *SessionRequest) (*OutputReply, error) {
	reply, err := s.mgr.Output(req.Session)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply, nil
}

func (s *Server) List(ctx context.Context, req *ListRequest) (*ListReply, error) {
	return &ListReply{Sessions: s.mgr.List()}, nil
}

func (s *Server) Close(ctx context.Context, req *SessionRequest) (*StatusReply, error) {
	reply, err := s.mgr.Close(req.Session)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply, nil
}

// control applies a status transition to the named session.
func (s *Server) control(name string, fn func(*hevm.VM) error) (*StatusReply, error) {
	sess, err := s.mgr.Get(name)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := fn(sess.VM()); err != nil {
		return nil, toStatus(err)
	}
	return sess.Status(), nil
}

// toStatus maps package errors to gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, store.ErrProgramNotFound):
		code = codes.NotFound
	case errors.Is(err, ErrSessionExists):
		code = codes.AlreadyExists
	case errors.Is(err, hevm.ErrHalted):
		code = codes.FailedPrecondition
	case errors.Is(err, ErrBadRequest):
		code = codes.InvalidArgument
	case errors.Is(err, ErrNoLibrary), errors.Is(err, ErrManagerClosed):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		event := log.Debug()
		if err != nil {
			event = log.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Dur("elapsed", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}

// RegisterControlServer registers srv with s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

// handler builds a unary method handler for a request type Req.
func handler[Req any, Resp any](method string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			})
		},
	}
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		handler("Load", ControlServer.Load),
		handler("Run", ControlServer.Run),
		handler("Pause", ControlServer.Pause),
		handler("Step", ControlServer.Step),
		handler("Crash", ControlServer.Crash),
		handler("Status", ControlServer.Status),
		handler("StackTrace", ControlServer.StackTrace),
		handler("Wait", ControlServer.Wait),
		handler("Output", ControlServer.Output),
		handler("List", ControlServer.List),
		handler("Close", ControlServer.Close),
	},
	Streams: []grpc.StreamDesc{},
}
