package events_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shotline/internal/db"
	"shotline/internal/domain"
	"shotline/internal/events"
	"shotline/internal/migrate"
	"shotline/internal/repo"
)

type dispatchEnv struct {
	Conn *sql.DB
	Repo repo.Repo
	Ctx  context.Context
}

func newDispatchEnv(t *testing.T) dispatchEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	return dispatchEnv{Conn: conn, Repo: repo.New(conn), Ctx: ctx}
}

// newDispatcher polls fast so retry paths run within the test deadline, and
// discards logs since failing handlers are part of the exercise.
func newDispatcher(env dispatchEnv) *events.Dispatcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return events.NewDispatcher(env.Repo, logger, events.DispatcherConfig{PollInterval: 10 * time.Millisecond, Batch: 50})
}

func appendEvent(t *testing.T, env dispatchEnv, evtType, entityID string) int64 {
	t.Helper()
	id, err := events.Writer{}.Append(env.Ctx, env.Conn, evtType, "proj-1", "task", entityID, "tester", nil)
	require.NoError(t, err)
	return id
}

func waitID(t *testing.T, ch <-chan int64) int64 {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return 0
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	env := newDispatchEnv(t)
	d := newDispatcher(env)
	defer d.Close()

	got := make(chan int64, 8)
	d.Subscribe("collector", events.NewFilter("*"), func(_ context.Context, evt domain.Event) error {
		got <- evt.ID
		return nil
	})

	first := appendEvent(t, env, events.TypeTaskCreated, "task-1")
	second := appendEvent(t, env, events.TypeTaskStatusChanged, "task-1")
	third := appendEvent(t, env, events.TypeTaskStatusChanged, "task-2")
	d.Notify()

	require.Equal(t, first, waitID(t, got))
	require.Equal(t, second, waitID(t, got))
	require.Equal(t, third, waitID(t, got))
}

func TestDispatcherRedeliversAfterFailure(t *testing.T) {
	env := newDispatchEnv(t)
	d := newDispatcher(env)
	defer d.Close()

	delivered := make(chan int64, 4)
	var calls int32
	d.Subscribe("flaky", events.NewFilter("*"), func(_ context.Context, evt domain.Event) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("transient")
		}
		delivered <- evt.ID
		return nil
	})

	id := appendEvent(t, env, events.TypeTaskCreated, "task-1")
	d.Notify()

	require.Equal(t, id, waitID(t, delivered))
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestDispatcherFiltersByType(t *testing.T) {
	env := newDispatchEnv(t)
	d := newDispatcher(env)
	defer d.Close()

	got := make(chan int64, 8)
	d.Subscribe("status-only", events.NewFilter(events.TypeTaskStatusChanged), func(_ context.Context, evt domain.Event) error {
		got <- evt.ID
		return nil
	})

	appendEvent(t, env, events.TypeTaskCreated, "task-1")
	want := appendEvent(t, env, events.TypeTaskStatusChanged, "task-1")
	d.Notify()
	require.Equal(t, want, waitID(t, got))

	// the cursor moved past the filtered event, not around it
	appendEvent(t, env, events.TypeTaskCreated, "task-2")
	want = appendEvent(t, env, events.TypeTaskStatusChanged, "task-2")
	d.Notify()
	require.Equal(t, want, waitID(t, got))
}

func TestDispatcherIsolatesFailingSubscriber(t *testing.T) {
	env := newDispatchEnv(t)
	d := newDispatcher(env)
	defer d.Close()

	d.Subscribe("broken", events.NewFilter("*"), func(_ context.Context, _ domain.Event) error {
		return errors.New("always down")
	})
	got := make(chan int64, 8)
	d.Subscribe("healthy", events.NewFilter("*"), func(_ context.Context, evt domain.Event) error {
		got <- evt.ID
		return nil
	})

	first := appendEvent(t, env, events.TypeTaskCreated, "task-1")
	second := appendEvent(t, env, events.TypeTaskStatusChanged, "task-1")
	d.Notify()

	require.Equal(t, first, waitID(t, got))
	require.Equal(t, second, waitID(t, got))
}

func TestSubscribeStartsAtEndOfLog(t *testing.T) {
	env := newDispatchEnv(t)
	appendEvent(t, env, events.TypeTaskCreated, "task-old")

	d := newDispatcher(env)
	defer d.Close()
	got := make(chan int64, 4)
	d.Subscribe("late", events.NewFilter("*"), func(_ context.Context, evt domain.Event) error {
		got <- evt.ID
		return nil
	})

	want := appendEvent(t, env, events.TypeTaskCreated, "task-new")
	d.Notify()
	require.Equal(t, want, waitID(t, got))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	env := newDispatchEnv(t)
	d := newDispatcher(env)
	defer d.Close()

	got := make(chan int64, 4)
	id := d.Subscribe("stopper", events.NewFilter("*"), func(_ context.Context, evt domain.Event) error {
		got <- evt.ID
		return nil
	})
	appendEvent(t, env, events.TypeTaskCreated, "task-1")
	d.Notify()
	waitID(t, got)

	d.Unsubscribe(id)
	appendEvent(t, env, events.TypeTaskCreated, "task-2")
	d.Notify()
	time.Sleep(50 * time.Millisecond)
	select {
	case evt := <-got:
		t.Fatalf("delivered %d after unsubscribe", evt)
	default:
	}
}

func TestNewFilter(t *testing.T) {
	require.True(t, events.NewFilter("").Match("task:created"))
	require.True(t, events.NewFilter("*").Match("task:created"))
	require.True(t, events.NewFilter(" task:created , project:closed ").Match("project:closed"))

	f := events.NewFilter("task:created,task:status-changed")
	require.True(t, f.Match("task:created"))
	require.True(t, f.Match("task:status-changed"))
	require.False(t, f.Match("project:created"))

	// the zero value matches nothing
	require.False(t, events.Filter{}.Match("task:created"))
}

func TestWebhookHandlerPostsEvent(t *testing.T) {
	type seen struct {
		method  string
		headers http.Header
		body    map[string]any
		err     error
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		err := json.NewDecoder(r.Body).Decode(&body)
		got <- seen{method: r.Method, headers: r.Header.Clone(), body: body, err: err}
	}))
	defer srv.Close()

	hook := domain.Webhook{ID: "wh-1", URL: srv.URL, Secret: "s3cret", Events: "*", Active: true}
	handler := events.WebhookHandler(hook, srv.Client())
	evt := domain.Event{
		ID: 42, TS: "2026-03-01T00:00:00Z", Type: events.TypeTaskStatusChanged,
		ProjectID: "proj-1", EntityKind: "task", EntityID: "task-1", ActorID: "tester",
		Payload: `{"trigger":"start"}`,
	}
	require.NoError(t, handler(context.Background(), evt))

	s := <-got
	require.NoError(t, s.err)
	require.Equal(t, http.MethodPost, s.method)
	require.Equal(t, "application/json", s.headers.Get("Content-Type"))
	require.Equal(t, events.TypeTaskStatusChanged, s.headers.Get("X-Shotline-Event"))
	require.Equal(t, "42", s.headers.Get("X-Shotline-Delivery"))
	require.Equal(t, "s3cret", s.headers.Get("X-Shotline-Secret"))
	require.Equal(t, float64(42), s.body["id"])
	require.Equal(t, map[string]any{"trigger": "start"}, s.body["payload"])
}

func TestWebhookHandlerRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	handler := events.WebhookHandler(domain.Webhook{URL: srv.URL}, srv.Client())
	err := handler(context.Background(), domain.Event{ID: 1, Type: events.TypeTaskCreated})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 503")
	require.Contains(t, err.Error(), "down for maintenance")
}

func TestWebhookHandlerNormalizesBadPayload(t *testing.T) {
	got := make(chan json.RawMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Payload json.RawMessage `json:"payload"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body.Payload
	}))
	defer srv.Close()

	handler := events.WebhookHandler(domain.Webhook{URL: srv.URL}, srv.Client())
	require.NoError(t, handler(context.Background(), domain.Event{ID: 7, Type: events.TypeTaskCreated, Payload: "not-json"}))
	require.JSONEq(t, "{}", string(<-got))
}

func TestRegisterWebhooksSkipsInactive(t *testing.T) {
	env := newDispatchEnv(t)
	d := newDispatcher(env)
	defer d.Close()

	hooks := []domain.Webhook{
		{ID: "wh-1", URL: "http://127.0.0.1:1/hook", Active: true, Events: "*"},
		{ID: "wh-2", URL: "http://127.0.0.1:1/hook", Active: false, Events: "*"},
		{ID: "wh-3", URL: "   ", Active: true, Events: "*"},
	}
	ids := events.RegisterWebhooks(d, hooks, nil)
	require.Len(t, ids, 1)
	require.Contains(t, ids, "wh-1")
}
