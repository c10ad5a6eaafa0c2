// Package netwatch polls a probe and reports reachability transitions.
package netwatch

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const DefaultInterval = 15 * time.Second

// Prober reports whether the remote can be reached right now.
type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Monitor runs Prober every Interval. The first probe always reports.
type Monitor struct {
	Prober   Prober
	Interval time.Duration
	Timeout  time.Duration
	Log      *zap.Logger
}

// Watch blocks until ctx is done. onChange is called with the first probe
// result and after that only when reachability flips.
func (m *Monitor) Watch(ctx context.Context, onChange func(reachable bool)) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var known, last bool
	for {
		up := m.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if !known || up != last {
			log.Debug("reachability changed", zap.Bool("reachable", up))
			known, last = true, up
			onChange(up)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.Prober.Probe(ctx) == nil
}

// DialProber checks that a TCP connection to addr can be opened.
func DialProber(addr string) Prober {
	return ProberFunc(func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// HTTPProber issues GET url and treats any response below 500 as reachable.
func HTTPProber(client *http.Client, url string) Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return ProberFunc(func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	})
}

type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "probe: server returned " + http.StatusText(e.Code)
}
