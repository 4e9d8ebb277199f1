package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// watermillAdapter bridges watermill's LoggerAdapter onto a zerolog.Logger.
type watermillAdapter struct {
	log zerolog.Logger
}

// NewWatermillAdapter returns a watermill LoggerAdapter writing to log.
func NewWatermillAdapter(log zerolog.Logger) watermill.LoggerAdapter {
	return &watermillAdapter{log: log}
}

func (a *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(a.log.Error().Err(err), msg, fields)
}

func (a *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.event(a.log.Info(), msg, fields)
}

func (a *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(a.log.Debug(), msg, fields)
}

func (a *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(a.log.Trace(), msg, fields)
}

func (a *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := a.log.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}

	return &watermillAdapter{log: ctx.Logger()}
}

func (a *watermillAdapter) event(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
