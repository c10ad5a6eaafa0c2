package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"taskflow/internal/db"
	"taskflow/internal/events"
	"taskflow/internal/migrate"
)

func TestBusSubscribeAndCancel(t *testing.T) {
	bus := events.NewBus()
	var got []string
	cancel := bus.Subscribe(func(e events.Event) { got = append(got, e.Type) })

	bus.Publish(events.Event{Type: events.RemoteApplied})
	cancel()
	cancel()
	bus.Publish(events.Event{Type: events.SyncFailed})

	assert.Equal(t, []string{events.RemoteApplied}, got)

	var nilBus *events.Bus
	assert.NotPanics(t, func() { nilBus.Publish(events.Event{Type: "x"}) })
}

func TestWriterRecordsBusEvents(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	w := events.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	bus := events.NewBus()
	stop := w.Record(bus, zaptest.NewLogger(t))
	defer stop()

	bus.Publish(events.Event{Type: events.UploadCompleted, Count: 2, IDs: []string{"a", "b"}})
	bus.Publish(events.Event{Type: events.RemoteApplied, Count: 1, IDs: []string{"t1"}, Initial: true})
	require.NoError(t, w.Append(ctx, events.SyncFailed, "", events.EventPayload{"error": "boom"}))

	all, err := w.Tail(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, events.SyncFailed, all[0].Type)
	assert.Equal(t, "t1", all[1].EntityID)
	assert.JSONEq(t, `{"count":1,"ids":["t1"],"initial":true}`, all[1].Payload)
	assert.Equal(t, "2024-01-01T00:00:00Z", all[2].TS)

	applied, err := w.Tail(ctx, 10, events.RemoteApplied)
	require.NoError(t, err)
	require.Len(t, applied, 1)
}
