package nats

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"cinecredit/internal/model"
	"cinecredit/internal/service"
	"cinecredit/internal/session"
)

const (
	SubjectDeduct = "commands.credits.deduct"
	SubjectTopUp  = "commands.credits.topup"

	queueGroup   = "ledger_group"
	drainTimeout = 5 * time.Second
)

// Reply is sent back when a command carries a reply subject.
type Reply struct {
	UserID  string `json:"user_id,omitempty"`
	Credits int64  `json:"credits"`
	Error   string `json:"error,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Handler subscribes to NATS command topics and delegates to the ledger service.
type Handler struct {
	svc    service.LedgerService
	nc     *nats.Conn
	logger *zap.Logger
	subs   []*nats.Subscription
}

func NewHandler(svc service.LedgerService, nc *nats.Conn, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, nc: nc, logger: logger}
}

// Start subscribes to command topics and blocks until ctx is cancelled
// (graceful shutdown), then drains the subscriptions so in-flight commands
// finish.
func (h *Handler) Start(ctx context.Context) error {
	routes := map[string]func(context.Context, []byte) Reply{
		SubjectDeduct: h.handleDeduct,
		SubjectTopUp:  h.handleTopUp,
	}
	for subject, handle := range routes {
		sub, err := h.nc.QueueSubscribe(subject, queueGroup, h.serve(ctx, handle))
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}

	h.logger.Info("NATS command handler is running")

	<-ctx.Done()
	h.logger.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		if err := s.Drain(); err != nil {
			h.logger.Warn("nats: drain failed", zap.String("subject", s.Subject), zap.Error(err))
		}
	}
	deadline := time.Now().Add(drainTimeout)
	for _, s := range h.subs {
		for s.IsValid() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	return nil
}

// serve runs handle under a service session. Commands still in flight when
// ctx ends are drained, so they run detached from its cancellation.
func (h *Handler) serve(ctx context.Context, handle func(context.Context, []byte) Reply) nats.MsgHandler {
	ctx = session.WithService(context.WithoutCancel(ctx))
	return func(m *nats.Msg) {
		reply := handle(ctx, m.Data)
		if m.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			h.logger.Error("nats: marshal reply", zap.Error(err))
			return
		}
		if err := m.Respond(data); err != nil {
			h.logger.Warn("nats: respond failed", zap.String("subject", m.Subject), zap.Error(err))
		}
	}
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is
// the drain in Start).
func (h *Handler) Stop(ctx context.Context) error {
	return nil
}

func (h *Handler) handleDeduct(ctx context.Context, data []byte) Reply {
	var req model.DeductRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Error("nats: failed to unmarshal deduct command", zap.Error(err))
		return errorReply(model.ValidationError("body", err.Error()))
	}
	credits, err := h.svc.DeductOne(ctx, req.UserID)
	if err != nil {
		h.logger.Warn("nats: deduct failed", zap.String("user_id", req.UserID), zap.Error(err))
		return errorReply(err)
	}
	return Reply{UserID: req.UserID, Credits: credits}
}

func (h *Handler) handleTopUp(ctx context.Context, data []byte) Reply {
	var req model.TopUpRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Error("nats: failed to unmarshal topup command", zap.Error(err))
		return errorReply(model.ValidationError("body", err.Error()))
	}
	credits, err := h.svc.AddCredits(ctx, req.UserID, req.Amount)
	if err != nil {
		h.logger.Warn("nats: topup failed", zap.String("user_id", req.UserID), zap.Error(err))
		return errorReply(err)
	}
	return Reply{UserID: req.UserID, Credits: credits}
}

func errorReply(err error) Reply {
	return Reply{Error: err.Error(), Type: model.ErrorKind(err)}
}
