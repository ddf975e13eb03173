package optimizer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewScheduler(t *testing.T) {
	f := newFixture(t, Options{})

	s, err := NewScheduler(f.opt, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, s.interval)
	assert.Equal(t, 10*time.Minute, s.timeout)
	assert.False(t, s.Running())

	s, err = NewScheduler(f.opt, nil, WithInterval(time.Minute), WithRunTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.interval)
	assert.Equal(t, time.Second, s.timeout)

	_, err = NewScheduler(nil, nil)
	assert.Error(t, err)
	_, err = NewScheduler(f.opt, nil, WithInterval(0))
	assert.Error(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t, Options{})
	s, err := NewScheduler(f.opt, nil, WithInterval(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	assert.Error(t, s.Start(), "already running")

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.m.Runs.WithLabelValues(PassMerge)) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	require.NoError(t, s.Stop(), "stop is idempotent")

	// Restartable after stop.
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

type panickingDecayer struct {
	calls atomic.Int32
}

func (d *panickingDecayer) Decay(context.Context, string, time.Time) (*pattern.Pattern, bool, error) {
	d.calls.Add(1)
	panic("decay exploded")
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := pattern.New("a", "a", "A", 0.5)
	p.CreatedAt = time.Now().Add(-90 * 24 * time.Hour)
	require.NoError(t, st.Create(ctx, p))

	d := &panickingDecayer{}
	o, err := New(st, d, nil, Options{})
	require.NoError(t, err)

	core, logs := observer.New(zap.ErrorLevel)
	s, err := NewScheduler(o, zap.New(core), WithInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool { return d.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond,
		"scheduler keeps running after a panic")
	assert.True(t, s.Running())
	assert.GreaterOrEqual(t, logs.FilterMessage("optimizer run panicked, continuing scheduler").Len(), 1)
}

func TestScheduler_RunOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.add(t, spec{sig: "a", tmpl: "A", conf: 0.5, created: t0.Add(-40 * 24 * time.Hour)})

	s, err := NewScheduler(f.opt, nil)
	require.NoError(t, err)

	results := s.RunOnce(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].Changed)
}
