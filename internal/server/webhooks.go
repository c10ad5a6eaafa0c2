package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"taskflow/internal/docstore"
)

const defaultWebhookTimeout = 5 * time.Second

type WebhookConfig struct {
	URLs        []string
	Collections []string
	Timeout     time.Duration
	Logger      *zap.Logger
}

type webhookDispatcher struct {
	urls     []string
	client   *http.Client
	log      *zap.Logger
	delivery atomic.Uint64
}

// StartWebhooks posts every change batch of the given collections to each
// URL. Initial snapshots are not delivered. A failed delivery is logged
// and dropped. The returned stop ends all subscriptions.
func StartWebhooks(ctx context.Context, store *docstore.DB, cfg WebhookConfig) (func(), error) {
	if len(cfg.URLs) == 0 || len(cfg.Collections) == 0 {
		return func() {}, nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	d := &webhookDispatcher{
		client: &http.Client{Timeout: timeout},
		log:    cfg.Logger,
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	for _, u := range cfg.URLs {
		if u = strings.TrimSpace(u); u != "" {
			d.urls = append(d.urls, u)
		}
	}
	var subs []docstore.Subscription
	stop := func() {
		for _, s := range subs {
			s.Stop()
		}
	}
	for _, name := range cfg.Collections {
		sub, err := store.Collection(name).Listen(ctx, docstore.Query{}, func(b docstore.Batch) {
			if b.Initial {
				return
			}
			d.dispatch(ctx, name, b)
		})
		if err != nil {
			stop()
			return nil, fmt.Errorf("webhook listen %s: %w", name, err)
		}
		subs = append(subs, sub)
	}
	return stop, nil
}

func (d *webhookDispatcher) dispatch(ctx context.Context, collection string, b docstore.Batch) {
	body := WebhookDelivery{Delivery: d.delivery.Add(1), Collection: collection, Batch: b}
	data, err := json.Marshal(body)
	if err != nil {
		d.log.Error("webhook: encode batch", zap.Error(err))
		return
	}
	for _, u := range d.urls {
		if err := d.post(ctx, u, body.Delivery, collection, data); err != nil {
			d.log.Warn("webhook: delivery failed", zap.String("url", u), zap.Uint64("delivery", body.Delivery), zap.Error(err))
		}
	}
}

func (d *webhookDispatcher) post(ctx context.Context, url string, delivery uint64, collection string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskflow-Event", "documents.changed")
	req.Header.Set("X-Taskflow-Delivery", fmt.Sprintf("%d", delivery))
	req.Header.Set("X-Taskflow-Collection", collection)
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
