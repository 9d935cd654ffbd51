package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// AccessLogValve records method/URI/status/bytes/duration for every
// request that passes through it: it calls next and times the rest of
// the chain, so it sees the final status and byte count no matter which
// downstream valve produced them.
type AccessLogValve struct {
	cfg AccessLogConfig
}

// AccessLogConfig controls where entries go, which format they use, and
// which request paths are skipped entirely.
type AccessLogConfig struct {
	Output    io.Writer
	Format    string // "json" or "text"
	SkipPaths []string
}

// DefaultAccessLogConfig returns the defaults: JSON to stdout, nothing
// skipped.
func DefaultAccessLogConfig() AccessLogConfig {
	return AccessLogConfig{
		Output: os.Stdout,
		Format: "json",
	}
}

// NewAccessLogValve builds an AccessLogValve from cfg, filling in any
// zero-valued fields with DefaultAccessLogConfig's values.
func NewAccessLogValve(cfg AccessLogConfig) *AccessLogValve {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	return &AccessLogValve{cfg: cfg}
}

type accessLogEntry struct {
	Time       string  `json:"time"`
	Method     string  `json:"method"`
	URI        string  `json:"uri"`
	Status     int     `json:"status"`
	Bytes      int64   `json:"bytes"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// Invoke times the rest of the chain and logs the outcome, then
// propagates next's error unchanged so it still reaches the basic
// valve's caller.
func (v *AccessLogValve) Invoke(req *Request, resp *Response, next Valve) error {
	for _, skip := range v.cfg.SkipPaths {
		if skip == req.URI {
			return next.Invoke(req, resp, nil)
		}
	}

	start := time.Now()
	err := next.Invoke(req, resp, nil)
	duration := time.Since(start)

	status := resp.Status
	if status == 0 {
		status = 200
	}

	if v.cfg.Format == "json" {
		entry := accessLogEntry{
			Time:       start.Format(time.RFC3339),
			Method:     req.Method,
			URI:        req.URI,
			Status:     status,
			Bytes:      resp.BytesWritten,
			DurationMS: float64(duration.Microseconds()) / 1000.0,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		v.logJSON(entry)
	} else {
		v.logText(req.Method, req.URI, status, duration, err)
	}

	return err
}

func (v *AccessLogValve) logJSON(entry accessLogEntry) {
	encoder := json.NewEncoder(v.cfg.Output)
	if err := encoder.Encode(entry); err != nil {
		log.Printf("pipeline: failed to write access log entry: %v", err)
	}
}

func (v *AccessLogValve) logText(method, uri string, status int, duration time.Duration, err error) {
	var msg string
	if err != nil {
		msg = fmt.Sprintf("%s %s - %d - %v - ERROR: %v\n", method, uri, status, duration, err)
	} else {
		msg = fmt.Sprintf("%s %s - %d - %v\n", method, uri, status, duration)
	}
	if _, writeErr := v.cfg.Output.Write([]byte(msg)); writeErr != nil {
		log.Printf("pipeline: failed to write access log entry: %v", writeErr)
	}
}
