package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// handlerTimeout bounds the work done for a single message
const handlerTimeout = 30 * time.Second

// NATSBus is a Bus on a core NATS connection. Handler contexts are
// cancelled when the bus is closed.
type NATSBus struct {
	conn   *nats.Conn
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func newNATSBus(conn *nats.Conn, logger *slog.Logger) *NATSBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSBus{conn: conn, log: logger, ctx: ctx, cancel: cancel}
}

// NewNATSBus connects to url and keeps reconnecting for as long as the
// process runs
func NewNATSBus(url, name string, logger *slog.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(3 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return newNATSBus(nc, logger), nil
}

// Subscribe joins queue on subject
func (b *NATSBus) Subscribe(subject, queue string, handler Handler) (Subscription, error) {
	b.log.Info("subscribing to subject", "subject", subject, "queue", queue)

	sub, err := b.conn.QueueSubscribe(subject, queue, b.deliver(handler))
	if err != nil {
		return Subscription{}, fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	return Subscription{
		Unsubscribe: sub.Unsubscribe,
	}, nil
}

func (b *NATSBus) deliver(handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(b.ctx, handlerTimeout)
		defer cancel()

		if err := handler(ctx, msg.Data); err != nil {
			b.log.Error("event handler failed", "subject", msg.Subject, "error", err)
		}
	}
}

// Close cancels in-flight handlers and drains the connection
func (b *NATSBus) Close() error {
	b.log.Info("closing NATS connection")
	b.cancel()
	return b.conn.Drain()
}
