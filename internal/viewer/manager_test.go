package viewer_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"splatstream/internal/controller"
	"splatstream/internal/viewer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(created *int32) *viewer.Manager {
	return viewer.NewManager(nil, func(id string) *controller.Controller {
		atomic.AddInt32(created, 1)
		return controller.New(nil)
	})
}

func TestManager_GetOrCreateIsSingleton(t *testing.T) {
	var created int32
	m := newManager(&created)

	var wg sync.WaitGroup
	results := make([]*controller.Controller, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.GetOrCreate("lobby")
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&created))
	for _, c := range results {
		assert.Same(t, results[0], c)
	}

	_, err := m.GetOrCreate("")
	assert.Error(t, err)
}

func TestManager_GetAndRemove(t *testing.T) {
	var created int32
	m := newManager(&created)

	_, err := m.Get("a")
	assert.ErrorIs(t, err, viewer.ErrNotFound)

	c, err := m.GetOrCreate("a")
	require.NoError(t, err)
	_, err = m.GetOrCreate("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, m.IDs())

	got, err := m.Get("a")
	require.NoError(t, err)
	assert.Same(t, c, got)

	require.NoError(t, m.Remove("a"))
	select {
	case <-c.Done():
	default:
		t.Fatal("removed viewer's controller should be closed")
	}
	assert.ErrorIs(t, m.Remove("a"), viewer.ErrNotFound)
	assert.Equal(t, []string{"b"}, m.IDs())
}

func TestManager_Stop(t *testing.T) {
	var created int32
	m := newManager(&created)
	c, err := m.GetOrCreate("a")
	require.NoError(t, err)

	m.Stop()
	<-c.Done()
	assert.Empty(t, m.IDs())
	_, err = m.GetOrCreate("b")
	assert.Error(t, err)
}
