package hellobus

import (
	"github.com/rs/zerolog"
)

// ObserverFunc lets a plain function satisfy Observer.
// Func values are not comparable, so they cannot be passed to RemoveObserver.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver writes bus events through zerolog: failures at warn,
// everything else at debug.
type LoggingObserver struct {
	Logger zerolog.Logger
}

func (o *LoggingObserver) OnEvent(e Event) {
	ctx := o.Logger.With().
		Str("type", string(e.Type)).
		Str("topic", e.Topic)
	if e.Group != "" {
		ctx = ctx.Str("group", e.Group)
	}
	if e.MessageID != "" {
		ctx = ctx.Str("message_id", e.MessageID)
	}
	if e.EventName != "" {
		ctx = ctx.Str("event_name", e.EventName)
	}
	l := ctx.Logger()

	switch {
	case e.Type == Error || e.Type == Nack || e.Err != nil:
		l.Warn().Err(e.Err).Msg("bus event")
	case e.Duration > 0:
		l.Debug().Dur("duration", e.Duration).Msg("bus event")
	default:
		l.Debug().Msg("bus event")
	}
}
