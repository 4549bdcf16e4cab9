package relay

import (
	"github.com/rs/zerolog"

	"pcbtool/internal/domain"
)

type loggingSink struct {
	next Sink
	log  zerolog.Logger
}

// WithLogging returns a Sink that logs every event before handing it to next.
// Progress and token events log at debug, errors at warn.
func WithLogging(next Sink, log zerolog.Logger) Sink {
	return &loggingSink{next: next, log: log}
}

func (s *loggingSink) Send(ev domain.Event) error {
	var e *zerolog.Event
	switch ev.Kind {
	case domain.EventError:
		e = s.log.Warn().Str("reason", ev.Text)
	case domain.EventFinished, domain.EventStarted:
		e = s.log.Info()
	default:
		e = s.log.Debug().Int("text_len", len(ev.Text))
	}
	e.Str("kind", string(ev.Kind)).Str("event", ev.Name).Msg("relay event")

	if err := s.next.Send(ev); err != nil {
		s.log.Info().Err(err).Str("event", ev.Name).Msg("caller stopped receiving")
		return err
	}
	return nil
}
