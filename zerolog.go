package bayeux

import (
	"fmt"

	"github.com/rs/zerolog"
)

type wrappedZerolog struct {
	logger zerolog.Logger
}

func (w *wrappedZerolog) Debug(msg string, args ...any) {
	w.emit(w.logger.Debug(), msg, args)
}

func (w *wrappedZerolog) Info(msg string, args ...any) {
	w.emit(w.logger.Info(), msg, args)
}

func (w *wrappedZerolog) Warn(msg string, args ...any) {
	w.emit(w.logger.Warn(), msg, args)
}

func (w *wrappedZerolog) Error(msg string, args ...any) {
	w.emit(w.logger.Error(), msg, args)
}

// emit treats args as alternating key/value pairs, the way slog does
func (w *wrappedZerolog) emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		ev = ev.Interface(fmt.Sprint(args[i]), args[i+1])
	}
	ev.Msg(msg)
}

func (w *wrappedZerolog) WithError(err error) Logger {
	return &wrappedZerolog{w.logger.With().Err(err).Logger()}
}

func (w *wrappedZerolog) WithField(key string, value any) Logger {
	return &wrappedZerolog{w.logger.With().Interface(key, value).Logger()}
}

// WithZerologLogger uses a zerolog logger for the engine's logs
func WithZerologLogger(logger zerolog.Logger) Option {
	return func(options *Options) {
		options.Logger = &wrappedZerolog{logger}
	}
}
