package monitoring

import (
	"github.com/rs/zerolog"
)

// StreamEvents is the broker's observability sink: every performance event is
// logged with its structured fields and counted in Prometheus under the event
// name.
type StreamEvents struct {
	logger zerolog.Logger
}

func NewStreamEvents(logger zerolog.Logger) *StreamEvents {
	return &StreamEvents{
		logger: logger.With().Str("component", "stream-events").Logger(),
	}
}

// Record implements stream.EventSink.
func (s *StreamEvents) Record(event string, level zerolog.Level, fields map[string]any) {
	streamEvents.WithLabelValues(event).Inc()
	if reason, ok := fields["reason"].(string); ok {
		gapsEmitted.WithLabelValues(reason).Inc()
	}

	ev := s.logger.WithLevel(level).Str("event", event)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg("Stream event")
}
