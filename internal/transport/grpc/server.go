package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"cinecredit/internal/model"
	"cinecredit/internal/repository"
	"cinecredit/internal/service"
	"cinecredit/internal/session"
)

// EventSink consumes credit events delivered over EventService.
type EventSink interface {
	Record(ctx context.Context, event model.CreditEvent) error
}

// Server exposes the ledger to trusted internal peers. Calls run under the
// service session, so peers may act for any user.
type Server struct {
	svc    service.LedgerService
	sink   EventSink
	srv    *grpc.Server
	addr   string
	logger *zap.Logger
}

// NewServer builds the gRPC server. EventService is registered only when
// sink is not nil.
func NewServer(addr string, svc service.LedgerService, sink EventSink, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, sink: sink, addr: addr, logger: logger}
	s.srv = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logCalls))
	RegisterLedgerServer(s.srv, s)
	if sink != nil {
		RegisterEventServer(s.srv, s)
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

func (s *Server) Initialize(ctx context.Context, req *UserRequest) (*BalanceResponse, error) {
	credits, err := s.svc.InitializeBalance(session.WithService(ctx), req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{UserID: req.UserID, Credits: credits}, nil
}

func (s *Server) GetBalance(ctx context.Context, req *UserRequest) (*BalanceResponse, error) {
	credits, err := s.svc.GetBalance(session.WithService(ctx), req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{UserID: req.UserID, Credits: credits}, nil
}

func (s *Server) Deduct(ctx context.Context, req *UserRequest) (*BalanceResponse, error) {
	credits, err := s.svc.DeductOne(session.WithService(ctx), req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{UserID: req.UserID, Credits: credits}, nil
}

func (s *Server) AddCredits(ctx context.Context, req *AddCreditsRequest) (*BalanceResponse, error) {
	credits, err := s.svc.AddCredits(session.WithService(ctx), req.UserID, req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{UserID: req.UserID, Credits: credits}, nil
}

// Publish receives events from a GrpcBus peer.
func (s *Server) Publish(ctx context.Context, req *EventRequest) (*EventResponse, error) {
	if req.Topic != repository.TopicCreditEvents {
		return nil, status.Errorf(codes.InvalidArgument, "unknown topic %q", req.Topic)
	}
	var event model.CreditEvent
	if err := json.Unmarshal(req.Payload, &event); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid event payload: %v", err)
	}
	if err := s.sink.Record(ctx, event); err != nil {
		s.logger.Error("grpc: record credit event failed",
			zap.String("event_id", event.ID),
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
		return nil, status.Error(codes.Internal, "failed to record event")
	}
	return &EventResponse{Success: true}, nil
}

func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("grpc call",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, err
}

func toStatus(err error) error {
	switch model.ErrorKind(err) {
	case model.KindAuth:
		if errors.Is(err, model.ErrPermissionDenied) {
			return status.Error(codes.PermissionDenied, err.Error())
		}
		return status.Error(codes.Unauthenticated, err.Error())
	case model.KindInsufficientCredits:
		return status.Error(codes.FailedPrecondition, err.Error())
	case model.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case model.KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case model.KindVerificationMismatch:
		return status.Error(codes.Aborted, err.Error())
	case model.KindTransient:
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
