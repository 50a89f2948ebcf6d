package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/scrypster/anchorflow/pkg/types"
)

// NATSConfig configures the NATS event and feedback subscriber.
type NATSConfig struct {
	Enabled         bool          `koanf:"enabled"`
	URL             string        `koanf:"url" validate:"required_if=Enabled true"`
	EventsSubject   string        `koanf:"events_subject" validate:"required"`
	FeedbackSubject string        `koanf:"feedback_subject" validate:"required"`
	QueueGroup      string        `koanf:"queue_group"`
	MaxReconnects   int           `koanf:"max_reconnects" validate:"gte=-1"`
	ReconnectWait   time.Duration `koanf:"reconnect_wait" validate:"gte=0"`
}

// DefaultNATSConfig returns a disabled subscriber on the standard subjects.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             nats.DefaultURL,
		EventsSubject:   "anchorflow.events",
		FeedbackSubject: "anchorflow.feedback",
		QueueGroup:      "anchorflow",
		MaxReconnects:   5,
		ReconnectWait:   time.Second,
	}
}

// Validate checks the configuration.
func (c *NATSConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid nats config: %w", err)
	}
	return nil
}

// NATSStats counts subscriber activity.
type NATSStats struct {
	EventsReceived   int64 `json:"events_received"`
	EventsSubmitted  int64 `json:"events_submitted"`
	EventsRejected   int64 `json:"events_rejected"`
	FeedbackReceived int64 `json:"feedback_received"`
	FeedbackRejected int64 `json:"feedback_rejected"`
	Malformed        int64 `json:"malformed"`
}

// NATSSource subscribes to the events and feedback subjects and forwards
// messages to the pipeline and the engine.
type NATSSource struct {
	cfg      NATSConfig
	events   Submitter
	feedback FeedbackSink
	logger   *zap.Logger
	validate *validator.Validate

	mu     sync.Mutex
	conn   *nats.Conn
	subs   []*nats.Subscription
	closed chan struct{}

	eventsReceived   atomic.Int64
	eventsSubmitted  atomic.Int64
	eventsRejected   atomic.Int64
	feedbackReceived atomic.Int64
	feedbackRejected atomic.Int64
	malformed        atomic.Int64
}

// NewNATSSource creates a subscriber. feedback may be nil to ignore the
// feedback subject.
func NewNATSSource(cfg NATSConfig, events Submitter, feedback FeedbackSink, logger *zap.Logger) (*NATSSource, error) {
	if events == nil {
		return nil, errors.New("event submitter is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{
		cfg:      cfg,
		events:   events,
		feedback: feedback,
		logger:   logger,
		validate: validator.New(),
	}, nil
}

// Start connects and subscribes.
func (s *NATSSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return errors.New("nats source already started")
	}

	closed := make(chan struct{})
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("anchorflow"),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
		nats.MaxReconnects(s.cfg.MaxReconnects),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats at %s: %w", s.cfg.URL, err)
	}

	sub, err := nc.QueueSubscribe(s.cfg.EventsSubject, s.cfg.QueueGroup, s.handleEvent)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", s.cfg.EventsSubject, err)
	}
	s.subs = append(s.subs, sub)

	if s.feedback != nil {
		sub, err := nc.QueueSubscribe(s.cfg.FeedbackSubject, s.cfg.QueueGroup, s.handleFeedback)
		if err != nil {
			nc.Close()
			s.subs = nil
			return fmt.Errorf("subscribe %s: %w", s.cfg.FeedbackSubject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		s.subs = nil
		return fmt.Errorf("flush nats subscriptions: %w", err)
	}

	s.conn = nc
	s.closed = closed
	s.logger.Info("subscribed to nats",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("events_subject", s.cfg.EventsSubject),
		zap.String("feedback_subject", s.cfg.FeedbackSubject))
	return nil
}

func (s *NATSSource) handleEvent(msg *nats.Msg) {
	s.eventsReceived.Add(1)

	var e types.Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		s.malformed.Add(1)
		s.logger.Warn("dropping malformed event message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	event := types.NewEvent(e.ID, e.Timestamp, e.Type, e.StreamID, e.Content, e.Context, e.Tags)
	if _, err := s.events.Submit(event); err != nil {
		s.eventsRejected.Add(1)
		s.logger.Warn("event rejected by pipeline", zap.String("event_id", event.ID), zap.Error(err))
		return
	}
	s.eventsSubmitted.Add(1)
}

func (s *NATSSource) handleFeedback(msg *nats.Msg) {
	s.feedbackReceived.Add(1)

	var fb types.CorrelationFeedback
	if err := json.Unmarshal(msg.Data, &fb); err != nil {
		s.malformed.Add(1)
		s.logger.Warn("dropping malformed feedback message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := s.validate.Struct(fb); err != nil {
		s.malformed.Add(1)
		s.logger.Warn("dropping invalid feedback", zap.String("correlation_id", fb.CorrelationID), zap.Error(err))
		return
	}
	if fb.Source == "" {
		fb.Source = "nats"
	}
	if err := s.feedback.AddFeedback(fb); err != nil {
		s.feedbackRejected.Add(1)
		s.logger.Warn("feedback rejected", zap.String("correlation_id", fb.CorrelationID), zap.Error(err))
	}
}

// Stats returns a snapshot of the counters.
func (s *NATSSource) Stats() NATSStats {
	return NATSStats{
		EventsReceived:   s.eventsReceived.Load(),
		EventsSubmitted:  s.eventsSubmitted.Load(),
		EventsRejected:   s.eventsRejected.Load(),
		FeedbackReceived: s.feedbackReceived.Load(),
		FeedbackRejected: s.feedbackRejected.Load(),
		Malformed:        s.malformed.Load(),
	}
}

// Stop drains in-flight messages and closes the connection.
func (s *NATSSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	if err != nil {
		s.conn.Close()
	}
	<-s.closed
	s.conn = nil
	s.subs = nil
	if err != nil {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
