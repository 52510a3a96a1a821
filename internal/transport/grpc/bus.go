package grpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"cinecredit/internal/metrics"
)

var (
	ErrBusFull   = errors.New("grpc bus: buffer full")
	ErrBusClosed = errors.New("grpc bus: closed")
)

// GrpcBus publishes events to a remote EventService over gRPC.
// Used when BusProvider == "grpc" in config. Publish only enqueues; a single
// sender goroutine keeps events in order.
type GrpcBus struct {
	conn    *grpc.ClientConn
	client  *EventClient
	queue   chan *EventRequest
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewGrpcBusFromAddr dials the remote EventService and returns a GrpcBus and a cleanup function.
func NewGrpcBusFromAddr(addr string, bufferSize int, logger *zap.Logger, opts ...grpc.DialOption) (*GrpcBus, func(), error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	bus := newGrpcBus(conn, NewEventClient(conn), bufferSize, logger)
	cleanup := func() {
		bus.Close()
		_ = conn.Close()
	}
	return bus, cleanup, nil
}

func newGrpcBus(conn *grpc.ClientConn, client *EventClient, bufferSize int, logger *zap.Logger) *GrpcBus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &GrpcBus{
		conn:    conn,
		client:  client,
		queue:   make(chan *EventRequest, bufferSize),
		timeout: 5 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues an event for the remote EventService.
func (b *GrpcBus) Publish(topic string, data []byte) error {
	req := &EventRequest{Topic: topic, Payload: append([]byte(nil), data...)}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.queue <- req:
		return nil
	default:
		return ErrBusFull
	}
}

// Close stops accepting events and waits for the queue to drain.
func (b *GrpcBus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
}

func (b *GrpcBus) run() {
	defer close(b.done)
	for req := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		_, err := b.client.Publish(ctx, req)
		cancel()
		metrics.RecordBusPublish("grpc", err)
		if err != nil {
			b.logger.Error("grpc bus: publish failed",
				zap.String("topic", req.Topic),
				zap.Error(err),
			)
		}
	}
}
