package events

import (
	"encoding/json"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn used by NATSPublisher.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSPublisher forwards events to NATS subjects of the form
// "<prefix>.<topic>.<kind>".
type NATSPublisher struct {
	conn   Publisher
	prefix string
	logger log.Logger
}

// NewNATSPublisher publishes through conn under the given subject prefix.
func NewNATSPublisher(conn Publisher, prefix string, logger log.Logger) *NATSPublisher {
	if logger == nil {
		logger = log.Root()
	}
	if prefix == "" {
		prefix = "safety"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return p.prefix + "." + string(e.Topic) + "." + string(e.Kind)
}

func (p *NATSPublisher) Emit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("Failed to marshal event", "kind", e.Kind, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(e), data); err != nil {
		p.logger.Warn("Failed to publish event", "subject", p.Subject(e), "error", err)
	}
}

// LogSink writes every event to a logger at debug level.
type LogSink struct {
	logger log.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger log.Logger) *LogSink {
	if logger == nil {
		logger = log.Root()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e Event) {
	ctx := make([]interface{}, 0, 6+2*len(e.Fields))
	ctx = append(ctx, "topic", e.Topic, "source", e.Source.Hex(), "time", e.Time)
	for k, v := range e.Fields {
		ctx = append(ctx, k, v)
	}
	s.logger.Debug(string(e.Kind), ctx...)
}
