package taskflowsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskflow/internal/docstore"
)

// Backoff is an exponential reconnect delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2}

// Delay returns the wait before reconnect attempt n, counting from zero.
func (b Backoff) Delay(n int) time.Duration {
	if b.Initial <= 0 {
		b = DefaultBackoff
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	d := float64(b.Initial)
	for i := 0; i < n; i++ {
		d *= b.Multiplier
		if b.Max > 0 && time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	return time.Duration(d)
}

// Listen opens the change stream for q. The first connection is made before
// Listen returns. A dropped stream is reopened with backoff; each reconnect
// starts with a fresh initial snapshot. Stop must not be called from fn.
func (c *Client) Listen(ctx context.Context, q docstore.Query, fn func(docstore.Batch)) (docstore.Subscription, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	endpoint := c.collectionPath("listen") + "?q=" + url.QueryEscape(string(raw))

	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.openStream(ctx, endpoint)
	if err != nil {
		cancel()
		return nil, err
	}
	sub := &stream{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		attempt := 0
		for {
			delivered := c.readStream(resp, fn)
			if ctx.Err() != nil {
				return
			}
			if delivered {
				attempt = 0
			}
			for {
				delay := c.Reconnect.Delay(attempt)
				attempt++
				c.log().Warn("listen stream dropped, reconnecting", zap.String("collection", c.Collection), zap.Duration("delay", delay))
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				resp, err = c.openStream(ctx, endpoint)
				if err == nil {
					break
				}
				if ctx.Err() != nil {
					return
				}
				c.log().Debug("listen reconnect failed", zap.Error(err))
			}
		}
	}()
	return sub, nil
}

func (c *Client) openStream(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	// The configured timeout applies to whole requests, which a stream outlives.
	client := http.Client{}
	if c.HTTPClient != nil {
		client.Transport = c.HTTPClient.Transport
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

// readStream delivers batches until the stream ends. It reports whether at
// least one batch was delivered.
func (c *Client) readStream(resp *http.Response, fn func(docstore.Batch)) bool {
	defer resp.Body.Close()
	delivered := false
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	var event string
	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			if data.Len() > 0 && (event == "" || event == "batch") {
				var b docstore.Batch
				if err := json.Unmarshal(data.Bytes(), &b); err != nil {
					c.log().Warn("undecodable listen batch", zap.Error(err))
				} else {
					fn(b)
					delivered = true
				}
			}
			event = ""
			data.Reset()
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		c.log().Debug("listen stream read failed", zap.Error(err))
	}
	return delivered
}

type stream struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *stream) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}
