package shim_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"splatstream/internal/asset"
	"splatstream/internal/fetch"
	"splatstream/internal/logger"
	"splatstream/internal/ply"
	"splatstream/internal/shim"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSplat = "ply\nformat ascii 1.0\nelement vertex 3\nproperty float x\nend_header\n1\n2\n3\n"

// urlOnlyHandler can only load from URLs, which forces the blob round-trip.
type urlOnlyHandler struct {
	client  *http.Client
	blobs   *shim.BlobStore
	mu      sync.Mutex
	urls    []string
	records []*asset.Record
	fail    error
}

func (h *urlOnlyHandler) Load(ctx context.Context, url string, rec *asset.Record) (asset.Resource, error) {
	h.mu.Lock()
	h.urls = append(h.urls, url)
	h.records = append(h.records, rec)
	h.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if h.fail != nil {
		return nil, h.fail
	}
	return string(data), nil
}

func (h *urlOnlyHandler) Resolve(context.Context, string, *asset.Record) error { return nil }

func newSplatServer(t *testing.T, body string, status int) (*httptest.Server, *int) {
	t.Helper()
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func newFetcher(blobs *shim.BlobStore) *fetch.Fetcher {
	return fetch.New(fetch.NewHTTPClient(blobs.Wrap(nil), 0), fetch.WithChunkSize(8))
}

func TestShim_LoadDelegatesToOpener(t *testing.T) {
	server, _ := newSplatServer(t, testSplat, http.StatusOK)
	blobs := shim.NewBlobStore("")
	fetcher := newFetcher(blobs)
	h := shim.New("gsplat", fetcher, ply.NewHandler(fetcher, logger.Discard{}), blobs, logger.Discard{})

	rec := asset.NewRecord("gsplat", server.URL+"/room.ply")
	var progress [][2]int64
	rec.OnProgress(func(received, total int64) {
		progress = append(progress, [2]int64{received, total})
	})

	res, err := h.Load(context.Background(), rec.SourceURL, rec)
	require.NoError(t, err)
	splat, ok := res.(*ply.Splat)
	require.True(t, ok)
	assert.Equal(t, 3, splat.VertexCount)
	assert.Same(t, splat, rec.Resource())

	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, int64(len(testSplat)), last[0])
	assert.Equal(t, int64(len(testSplat)), last[1])
	assert.Zero(t, blobs.Len())
}

func TestShim_LoadThroughBlobURL(t *testing.T) {
	server, hits := newSplatServer(t, testSplat, http.StatusOK)
	blobs := shim.NewBlobStore("")
	fetcher := newFetcher(blobs)
	delegate := &urlOnlyHandler{client: fetch.NewHTTPClient(blobs.Wrap(nil), 0)}
	h := shim.New("gsplat", fetcher, delegate, blobs, logger.Discard{})

	rec := asset.NewRecord("gsplat", server.URL+"/room.ply")
	res, err := h.Load(context.Background(), rec.SourceURL, rec)
	require.NoError(t, err)
	assert.Equal(t, testSplat, res)
	assert.Equal(t, testSplat, rec.Resource())

	require.Len(t, delegate.urls, 1)
	assert.True(t, strings.HasPrefix(delegate.urls[0], "blob:"))
	assert.NotSame(t, rec, delegate.records[0], "delegate must load on a throwaway record")
	assert.Equal(t, 1, *hits, "the blob round-trip must not download again")
	assert.Zero(t, blobs.Len(), "blob URL must be revoked after success")
}

func TestShim_DelegateFailureRevokesBlob(t *testing.T) {
	server, _ := newSplatServer(t, testSplat, http.StatusOK)
	blobs := shim.NewBlobStore("")
	fetcher := newFetcher(blobs)
	delegate := &urlOnlyHandler{
		client: fetch.NewHTTPClient(blobs.Wrap(nil), 0),
		fail:   errors.New("corrupt splat"),
	}
	h := shim.New("gsplat", fetcher, delegate, blobs, logger.Discard{})

	rec := asset.NewRecord("gsplat", server.URL+"/room.ply")
	_, err := h.Load(context.Background(), rec.SourceURL, rec)
	require.EqualError(t, err, "corrupt splat")
	assert.Nil(t, rec.Resource())
	assert.Zero(t, blobs.Len(), "blob URL must be revoked after failure")
}

func TestShim_FetchFailureSkipsDelegate(t *testing.T) {
	server, _ := newSplatServer(t, "gone", http.StatusNotFound)
	blobs := shim.NewBlobStore("")
	fetcher := newFetcher(blobs)
	delegate := &urlOnlyHandler{client: http.DefaultClient}
	h := shim.New("gsplat", fetcher, delegate, blobs, logger.Discard{})

	rec := asset.NewRecord("gsplat", server.URL+"/room.ply")
	_, err := h.Load(context.Background(), rec.SourceURL, rec)
	var statusErr *fetch.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Contains(t, err.Error(), "404")
	assert.Empty(t, delegate.urls)
	assert.Nil(t, rec.Resource())
}

func TestShim_NoDelegate(t *testing.T) {
	server, _ := newSplatServer(t, testSplat, http.StatusOK)
	blobs := shim.NewBlobStore("")
	h := shim.New("gsplat", newFetcher(blobs), nil, blobs, logger.Discard{})

	_, err := h.Load(context.Background(), server.URL+"/room.ply", asset.NewRecord("gsplat", server.URL+"/room.ply"))
	assert.ErrorIs(t, err, shim.ErrNoDelegate)

	res, err := h.Open("room.ply", []byte(testSplat), nil)
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestShim_OpenDelegates(t *testing.T) {
	blobs := shim.NewBlobStore("")
	fetcher := newFetcher(blobs)
	h := shim.New("gsplat", fetcher, ply.NewHandler(fetcher, logger.Discard{}), blobs, logger.Discard{})

	res, err := h.Open("room.ply", []byte(testSplat), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.(*ply.Splat).VertexCount)
	assert.NoError(t, h.Resolve(context.Background(), "room.ply", nil))
}

func TestInstall_Idempotent(t *testing.T) {
	reg := asset.NewRegistry(logger.Discard{})
	blobs := shim.NewBlobStore("")
	fetcher := newFetcher(blobs)
	builtin := ply.NewHandler(fetcher, logger.Discard{})
	reg.Register("gsplat", ply.HandlerName, builtin)

	assert.True(t, shim.Install(reg, "gsplat", fetcher, blobs, logger.Discard{}))
	assert.False(t, shim.Install(reg, "gsplat", fetcher, blobs, logger.Discard{}))
	assert.Equal(t, shim.Name, reg.HandlerName("gsplat"))

	h, ok := reg.Handler("gsplat")
	require.True(t, ok)
	installed, ok := h.(*shim.Handler)
	require.True(t, ok)
	assert.Same(t, builtin, installed.Delegate(), "re-installing must not wrap the shim in itself")
}

func TestBlobStore(t *testing.T) {
	blobs := shim.NewBlobStore("viewer")
	url := blobs.Create([]byte("data"), "model/ply")
	assert.True(t, strings.HasPrefix(url, "blob:viewer/"))

	client := &http.Client{Transport: blobs.Wrap(nil)}
	resp, err := client.Get(url)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "data", string(body))
	assert.Equal(t, "model/ply", resp.Header.Get("Content-Type"))
	assert.Equal(t, "4", resp.Header.Get("Content-Length"))

	blobs.Revoke(url)
	_, err = client.Get(url)
	assert.ErrorIs(t, err, shim.ErrUnknownBlob)
}
