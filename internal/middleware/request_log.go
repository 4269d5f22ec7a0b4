package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mymydata/internal/logger"
)

// RequestLog логирует каждый HTTP-запрос: method, path, статус и время выполнения
// (асинхронно, не блокирует). Ответы 5xx пишутся с уровнем error.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)
		next.ServeHTTP(rw, r)

		level := zerolog.DebugLevel
		switch {
		case rw.status >= 500:
			level = zerolog.ErrorLevel
		case time.Since(start) >= 100*time.Millisecond:
			level = zerolog.InfoLevel
		}
		logger.L().WithLevel(level).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Str("ip", ClientIP(r)).
			Dur("duration", time.Since(start)).
			Msg("http")
	})
}
