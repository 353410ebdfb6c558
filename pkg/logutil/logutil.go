package logutil

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
)

// Configure sets the level and formatter of the global logger. format is one
// of text, json or logfmt; empty means text.
func Configure(levelRaw, formatRaw string) error {
	return ConfigureOutput(os.Stderr, levelRaw, formatRaw)
}

func ConfigureOutput(w io.Writer, levelRaw, formatRaw string) error {
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	formatter, err := parseFormatter(formatRaw)
	if err != nil {
		return err
	}
	log.SetOutput(w)
	log.SetLevel(level)
	log.SetFormatter(formatter)
	log.SetReportTimestamp(true)
	return nil
}

func ParseLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		return log.InfoLevel, nil
	}
	switch strings.ToLower(levelRaw) {
	case "trace", "trac":
		// The logger has no native trace enum; map trace to most verbose mode.
		return log.DebugLevel, nil
	default:
		level, err := log.ParseLevel(levelRaw)
		if err != nil {
			return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
		}
		return level, nil
	}
}

func parseFormatter(raw string) (log.Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "text":
		return log.TextFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	case "logfmt":
		return log.LogfmtFormatter, nil
	default:
		return log.TextFormatter, fmt.Errorf("invalid log format %q", raw)
	}
}

// RequestLogger is a chi middleware writing one access log line per request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			kv := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(started).Round(time.Millisecond),
			}
			if id := middleware.GetReqID(r.Context()); id != "" {
				kv = append(kv, "request_id", id)
			}
			if status >= http.StatusInternalServerError {
				log.Warn("request", kv...)
				return
			}
			log.Info("request", kv...)
		}()
		next.ServeHTTP(ww, r)
	})
}
