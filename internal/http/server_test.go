package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/patternd/internal/confidence"
	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/fyrsmithlabs/patternd/internal/conversation"
	"github.com/fyrsmithlabs/patternd/internal/engine"
	"github.com/fyrsmithlabs/patternd/internal/extractor"
	"github.com/fyrsmithlabs/patternd/internal/learning"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/redact"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEngine struct {
	events []engine.MessageEvent
	result *engine.Result
	err    error

	closed   []string
	closeErr error
}

func (f *fakeEngine) CloseConversation(_ context.Context, id, reason string) (*engine.Closed, error) {
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	f.closed = append(f.closed, id+":"+reason)
	return &engine.Closed{ConversationID: id, PreviousPhase: pattern.PhaseEscalated, Reason: reason}, nil
}

func (f *fakeEngine) HandleEvent(_ context.Context, ev engine.MessageEvent) (*engine.Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	f.events = append(f.events, ev)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type testServer struct {
	server *Server
	store  *store.MemoryStore
	engine *fakeEngine
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	conf := confidence.New(st, confidence.Options{})
	scrubber, err := redact.New(redact.Options{DisableGitleaks: true})
	require.NoError(t, err)
	l, err := learning.New(learning.Deps{
		Store:     st,
		Extractor: extractor.New(extractor.Options{}),
		Outcomes:  conf,
		Scrubber:  scrubber,
	}, learning.Options{})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "patternd_test_total", Help: "test"}).Inc()

	eng := &fakeEngine{result: &engine.Result{ConversationID: "c1", Step: engine.StepDecided}}
	s, err := NewServer(Deps{
		Engine:   eng,
		Patterns: st,
		Learner:  l,
		Outcomes: conf,
		Flags:    config.StaticFlags(config.DefaultFlags()),
		Gatherer: reg,
	}, zap.NewNop(), &Config{Host: "localhost", Port: 9090, Version: "1.2.3"})
	require.NoError(t, err)
	return &testServer{server: s, store: st, engine: eng}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.server.echo.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) addPattern(t *testing.T, trigger, tmpl string, conf float64) *pattern.Pattern {
	t.Helper()
	p := pattern.New(extractor.Signature(trigger), trigger, tmpl, conf)
	p.Embedding = []float32{1, 0}
	require.NoError(t, ts.store.Create(context.Background(), p))
	return p
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when logger is nil", func(t *testing.T) {
		ts := setupTestServer(t)
		_, err := NewServer(ts.server.deps, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when collaborators are missing", func(t *testing.T) {
		_, err := NewServer(Deps{}, zap.NewNop(), nil)
		assert.Error(t, err)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		ts := setupTestServer(t)
		s, err := NewServer(ts.server.deps, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", s.config.Host)
		assert.Equal(t, 9090, s.config.Port)
	})
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestHandleStatus(t *testing.T) {
	ts := setupTestServer(t)
	ts.addPattern(t, "bay 3 is frozen", "Resetting bay {{bay}} now.", 0.5)

	rec := ts.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[StatusResponse](t, rec)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, int64(1), resp.Counts.Patterns)
	assert.True(t, resp.Flags.Enabled)
	assert.False(t, resp.Flags.AutoAction)
}

func TestHandleEvent(t *testing.T) {
	t.Run("runs the event through the engine", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/events", map[string]any{
			"conversation_id": "c1",
			"direction":       "inbound",
			"text":            "bay 3 is frozen",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Len(t, ts.engine.events, 1)
		assert.Equal(t, "bay 3 is frozen", ts.engine.events[0].Text)
		assert.Equal(t, engine.StepDecided, decode[engine.Result](t, rec).Step)
	})

	t.Run("deferred events are accepted", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.engine.result = &engine.Result{ConversationID: "c1", Step: engine.StepDeferred}
		rec := ts.do(t, http.MethodPost, "/api/v1/events", map[string]any{
			"conversation_id": "c1", "direction": "inbound", "text": "hello",
		})
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("invalid events are rejected", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/events", map[string]any{"direction": "sideways"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode[ErrorResponse](t, rec).Error, "invalid message event")
	})

	t.Run("engine failures are hidden", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.engine.err = errors.New("database is locked at /var/lib/patternd")
		rec := ts.do(t, http.MethodPost, "/api/v1/events", map[string]any{
			"conversation_id": "c1", "direction": "inbound", "text": "hello",
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "/var/lib")
	})
}

func TestHandleCloseConversation(t *testing.T) {
	t.Run("closes with the given reason", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/conversations/c1/close", CloseConversationRequest{Reason: "handled by ops"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		closed := decode[engine.Closed](t, rec)
		assert.Equal(t, "c1", closed.ConversationID)
		assert.Equal(t, pattern.PhaseEscalated, closed.PreviousPhase)
		assert.Equal(t, []string{"c1:handled by ops"}, ts.engine.closed)
	})

	t.Run("body is optional", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/conversations/c2/close", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, []string{"c2:"}, ts.engine.closed)
	})

	t.Run("maps errors", func(t *testing.T) {
		cases := map[error]int{
			fmt.Errorf("no active conversation: %w", store.ErrNotFound): http.StatusNotFound,
			conversation.ErrLockTimeout:                                http.StatusServiceUnavailable,
		}
		for in, want := range cases {
			ts := setupTestServer(t)
			ts.engine.closeErr = in
			rec := ts.do(t, http.MethodPost, "/api/v1/conversations/c1/close", nil)
			assert.Equal(t, want, rec.Code, in.Error())
		}
	})
}

func TestPatternRoutes(t *testing.T) {
	ts := setupTestServer(t)
	p := ts.addPattern(t, "bay 3 is frozen", "Resetting bay {{bay}} now.", 0.5)
	ts.addPattern(t, "the lights are off", "Checking the breaker.", 0.9)

	t.Run("list", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/patterns?limit=10", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode[PatternList](t, rec)
		assert.Equal(t, 2, list.Count)
		assert.NotContains(t, rec.Body.String(), "embedding")
	})

	t.Run("list rejects bad params", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/patterns?limit=0", nil).Code)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/patterns?status=zombie", nil).Code)
	})

	t.Run("get", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/patterns/"+p.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, p.ID, decode[pattern.Pattern](t, rec).ID)

		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/patterns/missing", nil).Code)
	})

	t.Run("patch edits templates only", func(t *testing.T) {
		rec := ts.do(t, http.MethodPatch, "/api/v1/patterns/"+p.ID, map[string]any{
			"response_template": "Restarting bay {{bay}}.",
			"category":          "technical",
			"confidence":        1.0,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := decode[pattern.Pattern](t, rec)
		assert.Equal(t, "Restarting bay {{bay}}.", got.ResponseTemplate)
		assert.Equal(t, pattern.CategoryTechnical, got.Category)
		assert.InDelta(t, 0.5, got.Confidence, 1e-9)
	})

	t.Run("patch validates", func(t *testing.T) {
		rec := ts.do(t, http.MethodPatch, "/api/v1/patterns/"+p.ID, map[string]any{"category": "weather"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = ts.do(t, http.MethodPatch, "/api/v1/patterns/"+p.ID, map[string]any{
			"action": map[string]any{"type": "unlock_door", "params": map[string]any{}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("disable", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/patterns/"+p.ID+"/disable", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, decode[pattern.Pattern](t, rec).Enabled)

		rec = ts.do(t, http.MethodGet, "/api/v1/patterns?matchable=true", nil)
		assert.Equal(t, 1, decode[PatternList](t, rec).Count)
	})
}

func TestCreatePattern(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/patterns", CreatePatternRequest{
		Trigger:          "Bay 3 is frozen",
		ResponseTemplate: "Resetting bay {{bay}} now.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[pattern.Pattern](t, rec)
	assert.Equal(t, "bay 3 is frozen", p.TriggerText)
	assert.Equal(t, pattern.StatusLearned, p.Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/patterns", CreatePatternRequest{
		Trigger:          "bay 3 is FROZEN",
		ResponseTemplate: "Again.",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/patterns", CreatePatternRequest{ResponseTemplate: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/patterns", CreatePatternRequest{
		Trigger:          "how do I get in",
		ResponseTemplate: "Hello {{name",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedback(t *testing.T) {
	ts := setupTestServer(t)
	p := ts.addPattern(t, "bay 3 is frozen", "Resetting now.", 0.6)

	rec := ts.do(t, http.MethodPost, "/api/v1/patterns/"+p.ID+"/feedback", map[string]any{"helpful": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.InDelta(t, 0.65, decode[pattern.Pattern](t, rec).Confidence, 1e-9)

	rec = ts.do(t, http.MethodPost, "/api/v1/patterns/"+p.ID+"/feedback", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/patterns/missing/feedback", map[string]any{"helpful": false})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutions(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()
	p := ts.addPattern(t, "bay 3 is frozen", "Resetting now.", 0.6)
	var ids []string
	for i := 0; i < 3; i++ {
		rec := pattern.NewExecutionRecord(p.ID, fmt.Sprintf("conv-%d", i), pattern.ActionTakenSent, 0.6)
		require.NoError(t, ts.store.RecordExecution(ctx, rec))
		ids = append(ids, rec.ID)
	}

	t.Run("list by pattern", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/executions?pattern_id="+p.ID+"&limit=2", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 2, decode[ExecutionList](t, rec).Count)
	})

	t.Run("list by conversation", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/executions?conversation_id=conv-1", nil)
		list := decode[ExecutionList](t, rec)
		require.Equal(t, 1, list.Count)
		assert.Equal(t, ids[1], list.Executions[0].ID)
	})

	t.Run("resolve outcome", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/executions/"+ids[0]+"/outcome", OutcomeRequest{Outcome: pattern.OutcomeSuccess})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.InDelta(t, 0.65, decode[pattern.Pattern](t, rec).Confidence, 1e-9)

		rec = ts.do(t, http.MethodPost, "/api/v1/executions/"+ids[0]+"/outcome", OutcomeRequest{Outcome: pattern.OutcomeFailure})
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = ts.do(t, http.MethodPost, "/api/v1/executions/"+ids[1]+"/outcome", OutcomeRequest{Outcome: "great"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/v1/executions?unresolved=true", nil)
		assert.Equal(t, 2, decode[ExecutionList](t, rec).Count)
	})
}

func TestGoldStandard(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/gold-standard", GoldStandardRequest{
		ConversationID: "c1",
		CustomerText:   "Bay 3 is frozen",
		OperatorText:   "Resetting bay 3 now, give it a minute.",
		FlaggedBy:      "sam",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	gs := decode[pattern.GoldStandard](t, rec)
	require.NotEmpty(t, gs.PatternID)

	p, err := ts.store.Get(context.Background(), gs.PatternID)
	require.NoError(t, err)
	assert.Equal(t, "Resetting bay {{bay}} now, give it a minute.", p.ResponseTemplate)
	assert.True(t, p.FromGoldStandard)

	rec = ts.do(t, http.MethodPost, "/api/v1/gold-standard", GoldStandardRequest{ConversationID: "c2", CustomerText: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "patternd_test_total 1"))
}

func TestRequestID(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
