package asset_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"splatstream/internal/asset"
	"splatstream/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	progress []int64
	total    int64
	res      asset.Resource
	err      error
}

func (h *stubHandler) Load(_ context.Context, _ string, rec *asset.Record) (asset.Resource, error) {
	for _, p := range h.progress {
		rec.FireProgress(p, h.total)
	}
	return h.res, h.err
}

func (h *stubHandler) Resolve(context.Context, string, *asset.Record) error { return nil }

func TestNewID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := asset.NewID("https://cdn.example.com/models/car.ply?v=2", now)
	assert.True(t, strings.HasPrefix(id, "splat-asset-1700000000123-car.ply-"), id)

	other := asset.NewID("https://cdn.example.com/models/car.ply?v=2", now)
	assert.NotEqual(t, id, other, "ids must not collide within the same millisecond")
}

func TestRecord_TerminalEventsFireOnce(t *testing.T) {
	rec := asset.NewRecord("gsplat", "a.ply")

	var loads, errs, progress int
	rec.OnLoad(func() { loads++ })
	rec.OnError(func(error) { errs++ })
	rec.OnProgress(func(int64, int64) { progress++ })

	rec.FireProgress(1, 2)
	assert.True(t, rec.FireLoad())
	assert.False(t, rec.FireLoad())
	assert.False(t, rec.FireError(errors.New("late")))
	rec.FireProgress(2, 2)

	assert.Equal(t, 1, loads)
	assert.Equal(t, 0, errs)
	assert.Equal(t, 1, progress, "no progress after the terminal event")
	assert.True(t, rec.Terminated())
}

func TestRecord_Off(t *testing.T) {
	rec := asset.NewRecord("gsplat", "a.ply")
	var called bool
	p := rec.OnProgress(func(int64, int64) { called = true })
	l := rec.OnLoad(func() { called = true })
	e := rec.OnError(func(error) { called = true })
	assert.Equal(t, 3, rec.Listeners())

	rec.Off(p, l, e)
	assert.Equal(t, 0, rec.Listeners())

	rec.FireProgress(1, 1)
	rec.FireLoad()
	assert.False(t, called)
}

func TestRecord_SetResourceOnce(t *testing.T) {
	rec := asset.NewRecord("gsplat", "a.ply")
	assert.Nil(t, rec.Resource())
	require.NoError(t, rec.SetResource("first"))
	assert.ErrorIs(t, rec.SetResource("second"), asset.ErrResourceSet)
	assert.Equal(t, "first", rec.Resource())
}

func TestRegistry_RegisterIfAbsent(t *testing.T) {
	reg := asset.NewRegistry(logger.Discard{})
	def := &stubHandler{}
	reg.Register("gsplat", "default", def)

	var captured asset.Handler
	installed := reg.RegisterIfAbsent("gsplat", "streaming", func(prev asset.Handler) asset.Handler {
		captured = prev
		return &stubHandler{}
	})
	assert.True(t, installed)
	assert.Same(t, def, captured)
	assert.Equal(t, "streaming", reg.HandlerName("gsplat"))

	installed = reg.RegisterIfAbsent("gsplat", "streaming", func(asset.Handler) asset.Handler {
		t.Fatal("build must not run for a duplicate registration")
		return nil
	})
	assert.False(t, installed)
}

func TestRegistry_LoadSuccess(t *testing.T) {
	reg := asset.NewRegistry(logger.Discard{})
	reg.Register("gsplat", "stub", &stubHandler{progress: []int64{10, 20}, total: 20, res: "parsed"})

	rec := asset.NewRecord("gsplat", "a.ply")
	reg.Add(rec)

	var events []string
	rec.OnProgress(func(received, total int64) { events = append(events, "progress") })
	rec.OnLoad(func() { events = append(events, "load") })

	res, err := reg.LoadSync(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "parsed", res)
	assert.Equal(t, "parsed", rec.Resource())
	assert.Equal(t, []string{"progress", "progress", "load"}, events)

	got, found := reg.Get(rec.ID)
	assert.True(t, found)
	assert.Same(t, rec, got)
}

func TestRegistry_LoadFailureReportsError(t *testing.T) {
	reg := asset.NewRegistry(logger.Discard{})
	reg.Register("gsplat", "stub", &stubHandler{err: errors.New("boom")})

	var mu sync.Mutex
	var reported []error
	detach := reg.OnError(func(err error, rec *asset.Record) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	})
	defer detach()

	rec := asset.NewRecord("gsplat", "a.ply")
	var gotErr error
	rec.OnError(func(err error) { gotErr = err })

	_, err := reg.LoadSync(context.Background(), rec)
	require.Error(t, err)
	assert.EqualError(t, gotErr, "boom")
	assert.Nil(t, rec.Resource())
	assert.Len(t, reported, 1)
}

func TestRegistry_NoHandler(t *testing.T) {
	reg := asset.NewRegistry(logger.Discard{})
	rec := asset.NewRecord("gsplat", "a.ply")

	_, err := reg.LoadSync(context.Background(), rec)
	assert.ErrorIs(t, err, asset.ErrNoHandler)
	assert.True(t, rec.Terminated())
}

func TestRegistry_CancelledLoadIsNotReported(t *testing.T) {
	reg := asset.NewRegistry(logger.Discard{})
	reg.Register("gsplat", "stub", &stubHandler{err: context.Canceled})

	var reported int
	reg.OnError(func(error, *asset.Record) { reported++ })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.LoadSync(ctx, asset.NewRecord("gsplat", "a.ply"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, reported)
}
