package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPActionRunner(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []map[string]any
		status = http.StatusAccepted
	)
	sent := func() []map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]any(nil), bodies...)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/actions", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		mu.Lock()
		bodies = append(bodies, body)
		code := status
		mu.Unlock()
		w.WriteHeader(code)
		_, _ = w.Write([]byte("door controller offline"))
	}))
	defer srv.Close()

	r, err := NewHTTPActionRunner(srv.URL+"/", 0)
	require.NoError(t, err)

	unlock := pattern.Action{
		Type:       pattern.ActionUnlockDoor,
		UnlockDoor: &pattern.UnlockDoorParams{Location: "Downtown", DurationMinutes: 15},
	}

	t.Run("success", func(t *testing.T) {
		require.NoError(t, r.Execute(context.Background(), unlock))
		got := sent()
		require.Len(t, got, 1)
		assert.Equal(t, "unlock_door", got[0]["type"])
		params := got[0]["params"].(map[string]any)
		assert.Equal(t, "Downtown", params["location"])
		assert.Equal(t, float64(15), params["duration_minutes"])
	})

	t.Run("non-2xx fails", func(t *testing.T) {
		mu.Lock()
		status = http.StatusBadGateway
		mu.Unlock()
		err := r.Execute(context.Background(), unlock)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
		assert.Contains(t, err.Error(), "door controller offline")
	})

	t.Run("invalid action is not sent", func(t *testing.T) {
		n := len(sent())
		err := r.Execute(context.Background(), pattern.Action{Type: pattern.ActionUnlockDoor})
		assert.ErrorIs(t, err, pattern.ErrMissingParams)
		assert.Len(t, sent(), n)
	})

	t.Run("none is a no-op", func(t *testing.T) {
		n := len(sent())
		require.NoError(t, r.Execute(context.Background(), pattern.Action{Type: pattern.ActionNone}))
		assert.Len(t, sent(), n)
	})
}

func TestNewHTTPActionRunner_RequiresURL(t *testing.T) {
	_, err := NewHTTPActionRunner("  ", 0)
	assert.Error(t, err)
}
