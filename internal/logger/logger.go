package logger

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	httpmiddleware "github.com/wolfeidau/biopay/internal/http"
)

func Setup(dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// HTTPRequests logs every request with its status and duration, and attaches a
// request scoped logger to the context for handlers to use via zerolog.Ctx.
type HTTPRequests struct {
	logger zerolog.Logger
}

func NewHTTPRequests(logger zerolog.Logger) *HTTPRequests {
	return &HTTPRequests{logger: logger}
}

func (h *HTTPRequests) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		ctx := h.logger.With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("addr", httpmiddleware.ClientIPFromContext(r.Context())).
			Logger().WithContext(r.Context())

		rec := httpmiddleware.NewStatusRecorder(w)
		next.ServeHTTP(rec, r.WithContext(ctx))

		event := zerolog.Ctx(ctx).Info()
		if rec.Status() >= http.StatusInternalServerError {
			event = zerolog.Ctx(ctx).Error()
		}

		event.
			Int("status", rec.Status()).
			Dur("duration", time.Since(started)).
			Msg("http request")
	})
}
