package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer; Nop until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("SERVINGD_HTTP_LOG_LEVEL"))

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// inferLog writes the start and end lines of an infer request at the level
// the request asked for.
type inferLog struct {
	lvl    LogLevel
	r      *http.Request
	target string
	start  time.Time
}

func newInferLog(r *http.Request, target string) *inferLog {
	l := &inferLog{lvl: requestLogLevel(r), r: r, target: target, start: time.Now()}
	if l.lvl >= LevelInfo {
		zlog.Info().Str("path", r.URL.Path).Str("target", target).
			Str("request_id", middleware.GetReqID(r.Context())).Msg("infer start")
	}
	return l
}

func (l *inferLog) end(status int, err error) {
	if l.lvl < LevelInfo && (err == nil || l.lvl < LevelError) {
		return
	}
	ev := zlog.Info()
	if err != nil && status >= http.StatusInternalServerError {
		ev = zlog.Error()
	}
	ev.Int("status", status).Dur("dur", time.Since(l.start)).Str("target", l.target).
		Str("request_id", middleware.GetReqID(l.r.Context())).Err(err).Msg("infer end")
}
