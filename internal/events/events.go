// Package events publishes pipeline and feedback events on NATS.
//
// Subjects:
//
//	{prefix}.interactions.{id}.solved
//	{prefix}.interactions.{id}.feedback
//
// Subscribers may use wildcards, e.g. "mathmentor.interactions.*.feedback".
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event kinds, used as the last subject token.
const (
	KindSolved   = "solved"
	KindFeedback = "feedback"
)

// ErrClosed is returned when publishing on a closed connection.
var ErrClosed = errors.New("event bus closed")

// SolvedEvent is published after a pipeline run is persisted.
type SolvedEvent struct {
	InteractionID int64            `json:"interaction_id"`
	Status        string           `json:"status"`
	Category      problem.Category `json:"topic"`
	Confidence    float64          `json:"confidence"`
	Timestamp     time.Time        `json:"timestamp"`
}

// FeedbackEvent is published after user feedback is recorded.
type FeedbackEvent struct {
	InteractionID int64                `json:"interaction_id"`
	Type          problem.FeedbackType `json:"feedback_type"`
	Category      problem.Category     `json:"topic"`
	Comment       string               `json:"comment,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
}

// Bus publishes events to NATS.
type Bus struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// Connect dials the configured NATS server.
func Connect(cfg config.EventsConfig, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("mathmentor"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.URL))

	b := NewBus(nc, cfg.SubjectPrefix, logger)
	b.owned = true
	return b, nil
}

// NewBus wraps an existing connection. The caller keeps ownership of nc.
func NewBus(nc *nats.Conn, prefix string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "mathmentor"
	}
	return &Bus{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject builds the subject for an interaction event. Pass "*" as id for
// a wildcard.
func (b *Bus) Subject(id, kind string) string {
	return fmt.Sprintf("%s.interactions.%s.%s", b.prefix, id, kind)
}

// PublishSolved publishes a SolvedEvent.
func (b *Bus) PublishSolved(ctx context.Context, ev SolvedEvent) error {
	return b.publish(ctx, b.Subject(fmt.Sprint(ev.InteractionID), KindSolved), ev)
}

// PublishFeedback publishes a FeedbackEvent.
func (b *Bus) PublishFeedback(ctx context.Context, ev FeedbackEvent) error {
	return b.publish(ctx, b.Subject(fmt.Sprint(ev.InteractionID), KindFeedback), ev)
}

func (b *Bus) publish(ctx context.Context, subject string, ev any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.nc.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	b.logger.Debug("event published", zap.String("subject", subject))
	return nil
}

// Subscribe delivers messages matching subject to ch until the returned
// function is called.
func (b *Bus) Subscribe(subject string, ch chan *nats.Msg) (func(), error) {
	sub, err := b.nc.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Kind returns the event kind encoded in a subject.
func Kind(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// Close drains the connection if the Bus opened it.
func (b *Bus) Close() error {
	if !b.owned {
		return nil
	}
	return b.nc.Drain()
}
