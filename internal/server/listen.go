package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"taskflow/internal/docstore"
)

const defaultHeartbeat = 15 * time.Second

// registerListen serves GET {base}/collections/{collection}/listen as a
// server-sent event stream. Each docstore batch is one "batch" event; the
// first is the initial snapshot. ?q= carries a JSON docstore.Query.
func registerListen(r chi.Router, basePath string, cfg Config) {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	log := cfg.Logger
	r.Get(path.Join(basePath, "collections/{collection}/listen"), func(w http.ResponseWriter, req *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		collection := chi.URLParam(req, "collection")
		if err := validCollection(collection); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		var q docstore.Query
		if raw := req.URL.Query().Get("q"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &q); err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid query", map[string]any{"error": err.Error()}))
				return
			}
		}

		ctx := req.Context()
		batches := make(chan docstore.Batch, 16)
		sub, err := cfg.Store.Collection(collection).Listen(ctx, q, func(b docstore.Batch) {
			select {
			case batches <- b:
			case <-ctx.Done():
			}
		})
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer sub.Stop()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		log.Debug("listen stream opened", zap.String("collection", collection))

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Debug("listen stream closed", zap.String("collection", collection))
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case b := <-batches:
				data, err := json.Marshal(b)
				if err != nil {
					log.Error("encode listen batch", zap.Error(err))
					return
				}
				if _, err := fmt.Fprintf(w, "event: batch\ndata: %s\n\n", data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
