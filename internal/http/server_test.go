package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dealflow/internal/conflict"
	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/ledger"
	"github.com/fyrsmithlabs/dealflow/internal/logging"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/orchestrator"
	"github.com/fyrsmithlabs/dealflow/internal/queue"
	"github.com/fyrsmithlabs/dealflow/internal/store"
	"github.com/fyrsmithlabs/dealflow/internal/store/memstore"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeEngine records what the API submits and handles, and serves reads
// from a real in-memory store.
type fakeEngine struct {
	st     *memstore.Store
	ledger *ledger.Ledger

	mu        sync.Mutex
	submitted []event.Event
	handled   []event.Event
	result    *orchestrator.Result
	handleErr error
}

func newFakeEngine() *fakeEngine {
	st := memstore.New()
	return &fakeEngine{st: st, ledger: ledger.New(st)}
}

func (f *fakeEngine) Submit(_ context.Context, ev event.Event) (queue.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, ev)
	return queue.Handle{ID: fmt.Sprintf("job-%d", len(f.submitted)), Name: string(ev.Type)}, nil
}

func (f *fakeEngine) Handle(_ context.Context, ev event.Event) (*orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, ev)
	return f.result, f.handleErr
}

func (f *fakeEngine) Store() store.Store { return f.st }
func (f *fakeEngine) Ledger() *ledger.Ledger { return f.ledger }

// seedAction opens a thread for owner-1 and queues one proposed action on it.
func (f *fakeEngine) seedAction(t *testing.T, counterparty, actionID string) *negotiation.Thread {
	t.Helper()
	ctx := context.Background()
	th, _, err := f.st.EnsureThread(ctx, store.NewThread{OwnerID: "owner-1", Counterparty: counterparty, Now: t0})
	require.NoError(t, err)
	require.NoError(t, f.st.Commit(ctx, &store.Commit{
		ThreadID:        th.ID,
		ExpectedStage:   th.Stage,
		ExpectedVersion: th.Version,
		Update:          store.ThreadUpdate{Stage: negotiation.StageAwaitingDecision, PriorStage: negotiation.StageStrategized},
		NewAction: &negotiation.ActionRequest{
			ID:        actionID,
			ThreadID:  th.ID,
			OwnerID:   "owner-1",
			Kind:      negotiation.ActionSendEmail,
			Recipient: "partnerships@" + counterparty + ".example",
			Body:      "Our rate for two reels is 12,500.",
			Status:    negotiation.ActionProposed,
			CreatedAt: t0,
		},
		Now: t0,
	}))
	th, err = f.st.GetThread(ctx, th.ID)
	require.NoError(t, err)
	return th
}

func setupTestServer(t *testing.T) (*Server, *fakeEngine) {
	t.Helper()
	engine := newFakeEngine()
	server, err := NewServer(engine, logging.NewNop(), &Config{Host: "localhost", Port: 8480})
	require.NoError(t, err)
	return server, engine
}

func do(s *Server, method, target string, body any) *httptest.ResponseRecorder {
	var r *bytes.Reader
	switch b := body.(type) {
	case nil:
		r = bytes.NewReader(nil)
	case string:
		r = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func emailRequest() EventRequest {
	payload, _ := json.Marshal(event.Email{OwnerID: "owner-1", Counterparty: "acme", MessageID: "msg-1", Body: "Two reels?"})
	return EventRequest{Type: event.EmailReceived, Payload: payload}
}

func TestNewServer(t *testing.T) {
	t.Run("creates server with valid config", func(t *testing.T) {
		cfg := &Config{Host: "localhost", Port: 8480}
		server, err := NewServer(newFakeEngine(), logging.NewNop(), cfg)
		require.NoError(t, err)
		assert.NotNil(t, server.echo)
		assert.Equal(t, cfg, server.config)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(newFakeEngine(), logging.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 8480, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newFakeEngine(), nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when engine is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.NewNop(), nil)
		assert.ErrorContains(t, err, "engine cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t)
	rec := do(server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestHandleSubmitEvent(t *testing.T) {
	t.Run("queues the event", func(t *testing.T) {
		server, engine := setupTestServer(t)
		rec := do(server, http.MethodPost, "/api/v1/events", emailRequest())

		assert.Equal(t, http.StatusAccepted, rec.Code)
		resp := decode[EventAccepted](t, rec)
		assert.Equal(t, "job-1", resp.JobID)
		assert.Equal(t, string(event.EmailReceived), resp.Type)
		require.Len(t, engine.submitted, 1)
		assert.Empty(t, engine.handled)
	})

	t.Run("handles inline with sync", func(t *testing.T) {
		server, engine := setupTestServer(t)
		engine.result = &orchestrator.Result{EntryID: "entry-1", ThreadID: "thread-1", Outcome: ledger.OutcomeSuccess, To: negotiation.StageClassified}

		rec := do(server, http.MethodPost, "/api/v1/events?sync=true", emailRequest())

		assert.Equal(t, http.StatusOK, rec.Code)
		res := decode[orchestrator.Result](t, rec)
		assert.Equal(t, "thread-1", res.ThreadID)
		assert.Equal(t, negotiation.StageClassified, res.To)
		assert.Len(t, engine.handled, 1)
		assert.Empty(t, engine.submitted)
	})

	t.Run("queues for retry when inline handling fails", func(t *testing.T) {
		server, engine := setupTestServer(t)
		engine.handleErr = errors.New("deliver action: smtp unavailable")

		rec := do(server, http.MethodPost, "/api/v1/events?sync=true", emailRequest())

		assert.Equal(t, http.StatusAccepted, rec.Code)
		resp := decode[EventAccepted](t, rec)
		assert.Contains(t, resp.Error, "smtp unavailable")
		assert.Len(t, engine.submitted, 1)
	})

	t.Run("rejects permanent failures", func(t *testing.T) {
		server, engine := setupTestServer(t)
		engine.handleErr = fmt.Errorf("thread missing: %w", orchestrator.ErrInvalidEvent)

		rec := do(server, http.MethodPost, "/api/v1/events?sync=true", emailRequest())

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Empty(t, engine.submitted)
	})

	t.Run("requires type and payload", func(t *testing.T) {
		server, _ := setupTestServer(t)
		rec := do(server, http.MethodPost, "/api/v1/events", EventRequest{Type: event.EmailReceived})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode[ErrorResponse](t, rec).Message, "type and payload are required")
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		server, _ := setupTestServer(t)
		rec := do(server, http.MethodPost, "/api/v1/events", `{"type":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleGetThread(t *testing.T) {
	server, engine := setupTestServer(t)
	th := engine.seedAction(t, "acme", "act-1")

	rec := do(server, http.MethodGet, "/api/v1/threads/"+th.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ThreadResponse](t, rec)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, th.ID, resp.Thread.ID)
	assert.Equal(t, negotiation.StageAwaitingDecision, resp.Thread.Stage)
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, "act-1", resp.Actions[0].ID)

	rec = do(server, http.MethodGet, "/api/v1/threads/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListActions(t *testing.T) {
	server, engine := setupTestServer(t)
	engine.seedAction(t, "acme", "act-1")
	engine.seedAction(t, "globex", "act-2")

	rec := do(server, http.MethodGet, "/api/v1/actions?owner=owner-1&status=proposed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ActionsResponse](t, rec).Actions, 2)

	rec = do(server, http.MethodGet, "/api/v1/actions?owner=owner-1&status=executed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"actions":[]}`, string(bytes.TrimSpace(rec.Body.Bytes())))

	rec = do(server, http.MethodGet, "/api/v1/actions?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(server, http.MethodGet, "/api/v1/actions?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(server, http.MethodGet, "/api/v1/actions?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ActionsResponse](t, rec).Actions, 1)
}

func TestHandleDecision(t *testing.T) {
	t.Run("approve submits a decision for the action's thread", func(t *testing.T) {
		server, engine := setupTestServer(t)
		th := engine.seedAction(t, "acme", "act-1")
		engine.result = &orchestrator.Result{ThreadID: th.ID, ActionID: "act-1", ActionStatus: negotiation.ActionExecuted, Delivered: true}

		rec := do(server, http.MethodPost, "/api/v1/actions/act-1/approve", DecisionRequest{Operator: "sam"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode[orchestrator.Result](t, rec).Delivered)

		require.Len(t, engine.handled, 1)
		ev := engine.handled[0]
		assert.Equal(t, event.ActionDecided, ev.Type)
		var d event.Decided
		require.NoError(t, json.Unmarshal(ev.Payload, &d))
		assert.Equal(t, event.Decided{ThreadID: th.ID, ActionID: "act-1", Verdict: event.VerdictApprove, Operator: "sam"}, d)
	})

	t.Run("reject", func(t *testing.T) {
		server, engine := setupTestServer(t)
		engine.seedAction(t, "acme", "act-1")
		engine.result = &orchestrator.Result{ActionID: "act-1", ActionStatus: negotiation.ActionRejected}

		rec := do(server, http.MethodPost, "/api/v1/actions/act-1/reject", DecisionRequest{Operator: "sam"})
		require.Equal(t, http.StatusOK, rec.Code)
		var d event.Decided
		require.NoError(t, json.Unmarshal(engine.handled[0].Payload, &d))
		assert.Equal(t, event.VerdictReject, d.Verdict)
	})

	t.Run("requires operator", func(t *testing.T) {
		server, engine := setupTestServer(t)
		engine.seedAction(t, "acme", "act-1")
		rec := do(server, http.MethodPost, "/api/v1/actions/act-1/approve", DecisionRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, engine.handled)
	})

	t.Run("unknown action", func(t *testing.T) {
		server, _ := setupTestServer(t)
		rec := do(server, http.MethodPost, "/api/v1/actions/nope/approve", DecisionRequest{Operator: "sam"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleConflicts(t *testing.T) {
	server, engine := setupTestServer(t)

	rec := do(server, http.MethodGet, "/api/v1/owners/owner-1/conflicts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, engine.st.SaveConflictReport(context.Background(), &conflict.Report{
		ID:          "report-1",
		OwnerID:     "owner-1",
		GeneratedAt: t0,
		ThreadCount: 2,
		Conflicts: []conflict.Conflict{{
			Kind:     conflict.KindExclusivity,
			Severity: conflict.SeverityHigh,
		}},
	}))

	rec = do(server, http.MethodGet, "/api/v1/owners/owner-1/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	r := decode[conflict.Report](t, rec)
	assert.Equal(t, "report-1", r.ID)
	require.Len(t, r.Conflicts, 1)
	assert.Equal(t, conflict.KindExclusivity, r.Conflicts[0].Kind)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)
	rec := do(server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServerLifecycle(t *testing.T) {
	server, err := NewServer(newFakeEngine(), logging.NewNop(), &Config{Host: "localhost", Port: 0})
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))

	select {
	case err := <-errChan:
		assert.True(t, err == nil || errors.Is(err, http.ErrServerClosed))
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		server, _ := setupTestServer(t)
		rec := do(server, http.MethodGet, "/health", nil)
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server, _ := setupTestServer(t)
		server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		var rec *httptest.ResponseRecorder
		assert.NotPanics(t, func() {
			rec = do(server, http.MethodGet, "/panic", nil)
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
