package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/portcullis/gateway/internal/logging"
)

// Status of one dependency or of the gateway overall.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Probe checks one dependency. It must honor ctx's deadline.
type Probe func(ctx context.Context) error

// check is a named probe plus its last observed result.
type check struct {
	name  string
	probe Probe

	mu      sync.RWMutex
	status  Status
	detail  string
	checked time.Time
}

// Checker probes dependencies in the background and serves cached results, so
// the health endpoint never blocks on a slow dependency.
type Checker struct {
	checks   []*check
	interval time.Duration
	timeout  time.Duration
}

// NewChecker creates a checker. Probes run every interval with the given
// per-probe timeout.
func NewChecker(interval, timeout time.Duration) *Checker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Checker{interval: interval, timeout: timeout}
}

// Register adds a named dependency probe. Dependencies start as DOWN until
// the first probe succeeds.
func (c *Checker) Register(name string, probe Probe) {
	c.checks = append(c.checks, &check{name: name, probe: probe, status: StatusDown, detail: "not yet checked"})
}

// Run probes all dependencies until ctx is cancelled. The first round runs
// immediately.
func (c *Checker) Run(ctx context.Context) {
	c.probeAll(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

func (c *Checker) probeAll(ctx context.Context) {
	for _, ch := range c.checks {
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := ch.probe(probeCtx)
		cancel()

		ch.mu.Lock()
		prev := ch.status
		if err != nil {
			ch.status = StatusDown
			ch.detail = err.Error()
		} else {
			ch.status = StatusUp
			ch.detail = ""
		}
		ch.checked = time.Now()
		next := ch.status
		ch.mu.Unlock()

		if prev != next {
			if next == StatusDown {
				logging.Warn("dependency down", zap.String("dependency", ch.name), zap.Error(err))
			} else {
				logging.Info("dependency recovered", zap.String("dependency", ch.name))
			}
		}
	}
}

type componentReport struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type report struct {
	Status     Status                     `json:"status"`
	Components map[string]componentReport `json:"components"`
}

// Report snapshots the cached health of all dependencies. Overall status is
// UP only when every dependency is UP.
func (c *Checker) Report() (Status, map[string]componentReport) {
	overall := StatusUp
	components := make(map[string]componentReport, len(c.checks))
	for _, ch := range c.checks {
		ch.mu.RLock()
		components[ch.name] = componentReport{Status: ch.status, Detail: ch.detail}
		if ch.status != StatusUp {
			overall = StatusDown
		}
		ch.mu.RUnlock()
	}
	return overall, components
}

// Handler serves the health endpoint. A degraded gateway answers 503 so load
// balancers can rotate it out, but routing keeps working regardless.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		overall, components := c.Report()

		w.Header().Set("Content-Type", "application/json")
		if overall != StatusUp {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report{Status: overall, Components: components})
	})
}
