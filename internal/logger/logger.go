// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы не блокировать основное приложение. Поддерживается логирование времени выполнения функций.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const (
	asyncBufferSize = 8192
	slowThreshold   = 100 * time.Millisecond
)

var (
	mu     sync.RWMutex
	prefix string
	base   zerolog.Logger
	once   sync.Once
)

func levelFromString(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func initWorker() {
	// diode: кольцевой буфер, при переполнении логи теряются, вызывающий не блокируется
	w := diode.NewWriter(os.Stderr, asyncBufferSize, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "logger: dropped %d messages\n", missed)
	})
	mu.Lock()
	base = zerolog.New(w).Level(levelFromString(os.Getenv("LOG_LEVEL"))).With().Timestamp().Logger()
	mu.Unlock()
}

// Configure переопределяет уровень и вывод (например, консольный вывод в -dev режиме).
func Configure(level string, out io.Writer) {
	once.Do(func() {})
	if out == nil {
		out = diode.NewWriter(os.Stderr, asyncBufferSize, 10*time.Millisecond, nil)
	}
	mu.Lock()
	base = zerolog.New(out).Level(levelFromString(level)).With().Timestamp().Logger()
	mu.Unlock()
}

// Console возвращает человекочитаемый writer для локальной разработки.
func Console() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
}

// SetPrefix задаёт имя сервиса для всех последующих логов (например "chat").
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	mu.Unlock()
}

// L возвращает zerolog.Logger с полем service для структурированных логов.
func L() *zerolog.Logger {
	once.Do(initWorker)
	mu.RLock()
	l := base
	p := prefix
	mu.RUnlock()
	if p != "" {
		l = l.With().Str("service", p).Logger()
	}
	return &l
}

// Info пишет в log с префиксом (асинхронно).
func Info(v ...any) {
	L().Info().Msg(fmt.Sprint(v...))
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	L().Info().Msgf(format, v...)
}

func Warnf(format string, v ...any) {
	L().Warn().Msgf(format, v...)
}

// Error пишет ошибку с префиксом (асинхронно).
func Error(v ...any) {
	L().Error().Msg(fmt.Sprint(v...))
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	L().Error().Msgf(format, v...)
}

// LogDuration логирует имя функции и время выполнения в миллисекундах (асинхронно).
// При уровне info логирует только вызовы дольше 100ms; при debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := L()
	if l.GetLevel() > zerolog.DebugLevel && elapsed < slowThreshold {
		return
	}
	l.WithLevel(zerolog.InfoLevel).Str("fn", fn).Int64("duration_ms", elapsed.Milliseconds()).Msg("")
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("HandlerName", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
