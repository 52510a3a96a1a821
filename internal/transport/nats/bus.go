package nats

import (
	"github.com/nats-io/nats.go"

	"cinecredit/internal/metrics"
)

// Bus publishes credit events on core NATS subjects. Delivery is at most
// once; the worker's insert is idempotent on the event id.
type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Publish(topic string, data []byte) error {
	err := b.nc.Publish(topic, data)
	metrics.RecordBusPublish("nats", err)
	return err
}
