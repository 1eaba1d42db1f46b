// Package status serves the health and status of the supervisor over HTTP.
// Handlers only read a snapshot of the run state and never wait for the task.
package status

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/CZERTAINLY/Overseer/internal/model"
)

const (
	isoLayout   = "2006-01-02T15:04:05.000Z07:00"
	localLayout = "02/01/2006, 15:04:05"
	never       = "never"
)

// Snapshotter provides a point in time copy of the run state.
type Snapshotter interface {
	Snapshot() model.RunState
}

// Health is the body of GET /health.
type Health struct {
	Status          string  `json:"status"`
	Service         string  `json:"service"`
	Uptime          float64 `json:"uptime"`
	Timestamp       string  `json:"timestamp"`
	LocalTime       string  `json:"localTime"`
	UKTime          string  `json:"ukTime"` // localTime under the name older clients read
	ScraperRunning  bool    `json:"scraperRunning"`
	LastScraperTime string  `json:"lastScraperTime"`
	QueueLength     int     `json:"queueLength"`
	LastExitCode    *int    `json:"lastExitCode"`
	LastOutcome     string  `json:"lastOutcome"`
	Runs            int     `json:"runs"`
	Failures        int     `json:"failures"`
}

type Reporter struct {
	service string
	started time.Time
	loc     *time.Location
	source  Snapshotter
	now     func() time.Time
}

type Option func(*Reporter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithStarted sets the process start used for the uptime. Defaults to the
// creation of the Reporter.
func WithStarted(t time.Time) Option {
	return func(r *Reporter) { r.started = t }
}

func NewReporter(service string, loc *time.Location, source Snapshotter, opts ...Option) *Reporter {
	if loc == nil {
		loc = time.UTC
	}
	r := &Reporter{
		service: service,
		loc:     loc,
		source:  source,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.started.IsZero() {
		r.started = r.now()
	}
	return r
}

// Handler routes /health to the JSON report and every other path to the
// text summary. Panics are recovered.
func (r *Reporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.ServeHealth)
	mux.HandleFunc("/", r.ServeSummary)
	return Recover(mux)
}

// Health returns the current report.
func (r *Reporter) Health() Health {
	now := r.now()
	rs := r.source.Snapshot()
	local := now.In(r.loc).Format(localLayout)
	h := Health{
		Status:          "healthy",
		Service:         r.service,
		Uptime:          now.Sub(r.started).Seconds(),
		Timestamp:       now.UTC().Format(isoLayout),
		LocalTime:       local,
		UKTime:          local,
		ScraperRunning:  rs.Running,
		LastScraperTime: never,
		QueueLength:     0,
		LastExitCode:    rs.LastExitCode,
		LastOutcome:     string(rs.LastOutcome),
		Runs:            rs.Runs,
		Failures:        rs.Failures,
	}
	if !rs.LastRunAt.IsZero() {
		h.LastScraperTime = rs.LastRunAt.UTC().Format(isoLayout)
	}
	return h
}

func (r *Reporter) ServeHealth(w http.ResponseWriter, req *http.Request) {
	h := r.Health()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		slog.DebugContext(req.Context(), "writing health failed", "error", err)
	}
}

func (r *Reporter) ServeSummary(w http.ResponseWriter, req *http.Request) {
	h := r.Health()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodHead {
		return
	}
	_, _ = fmt.Fprintf(w, "%s server\nStatus: Running\nLocal Time: %s\nScraper Running: %t\nQueue Length: %d\nUptime: %d seconds",
		h.Service,
		h.LocalTime,
		h.ScraperRunning,
		h.QueueLength,
		int64(math.Floor(h.Uptime)),
	)
}
