package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"splatstream/internal/controller"
	"splatstream/internal/fetch"
	"splatstream/internal/logger"
	"splatstream/internal/models"
	"splatstream/internal/ply"
	"splatstream/internal/viewer"
)

const (
	defaultPrefetchParallel = 4
	writeWait               = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type API struct {
	viewers *viewer.Manager
	warmer  *fetch.Warmer
	logger  logger.Logger
}

// New builds the daemon's router. warmer may be nil, which disables prefetching;
// gatherer nil serves the default Prometheus registry.
func New(viewers *viewer.Manager, warmer *fetch.Warmer, gatherer prometheus.Gatherer, log logger.Logger) http.Handler {
	if log == nil {
		log = logger.Discard{}
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	api := &API{
		viewers: viewers,
		warmer:  warmer,
		logger:  log,
	}

	r := mux.NewRouter()
	r.Use(AccessLog(log))

	r.HandleFunc("/viewers/{id}/source", api.handleSetSource).Methods(http.MethodPut)
	r.HandleFunc("/viewers/{id}", api.handleGetViewer).Methods(http.MethodGet)
	r.HandleFunc("/viewers/{id}", api.handleDeleteViewer).Methods(http.MethodDelete)
	r.HandleFunc("/viewers/{id}/asset", api.handleAsset).Methods(http.MethodGet)
	r.HandleFunc("/viewers/{id}/progress", api.handleProgress).Methods(http.MethodGet)
	r.HandleFunc("/cache/prefetch", api.handlePrefetch).Methods(http.MethodPost)
	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

// AccessLog logs one line per request with status, size and duration.
func AccessLog(log logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			log.Debugf("%s %s -> %d (%d bytes, %v)", r.Method, r.URL.Path, m.Code, m.Written, m.Duration)
		})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (a *API) handleSetSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.SourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	c, err := a.viewers.GetOrCreate(id)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get viewer: %v", err), http.StatusServiceUnavailable)
		return
	}

	if err := c.SetURL(req.URL); err != nil {
		if errors.Is(err, controller.ErrUnavailable) {
			writeJSON(w, http.StatusUnprocessableEntity, models.NewViewerState(id, c.State()))
			return
		}
		http.Error(w, fmt.Sprintf("Failed to set source: %v", err), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, models.NewViewerState(id, c.State()))
}

func (a *API) handleGetViewer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, ok := a.viewer(w, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, models.NewViewerState(id, c.State()))
}

func (a *API) handleDeleteViewer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.viewers.Remove(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAsset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, ok := a.viewer(w, id)
	if !ok {
		return
	}

	s := c.State()
	if s.Asset == nil {
		http.Error(w, fmt.Sprintf("Viewer %s has no loaded asset", id), http.StatusNotFound)
		return
	}
	splat, ok := s.Asset.Resource().(*ply.Splat)
	if !ok {
		http.Error(w, fmt.Sprintf("Asset %s is not a splat", s.Asset.ID), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, models.SplatSummary{
		AssetID:   s.Asset.ID,
		SourceURL: s.Asset.SourceURL,
		Splat:     splat,
	})
}

// handleProgress pushes the viewer state over a websocket: once on connect and
// after every change. Bursts are coalesced, the latest state is always sent.
// The socket is closed when the viewer is removed.
func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, ok := a.viewer(w, id)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warnf("Websocket upgrade failed for viewer %s: %v", id, err)
		return
	}
	defer conn.Close()

	changed := make(chan struct{}, 1)
	unsubscribe := c.Subscribe(func(controller.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	// The client never sends anything; reading only detects that it went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(models.NewViewerState(id, c.State()))
	}
	if err := send(); err != nil {
		return
	}

	for {
		select {
		case <-changed:
			if err := send(); err != nil {
				a.logger.Debugf("Progress stream for viewer %s ended: %v", id, err)
				return
			}
		case <-c.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "viewer removed")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case <-gone:
			return
		}
	}
}

func (a *API) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	if a.warmer == nil {
		http.Error(w, "Prefetching is not available", http.StatusServiceUnavailable)
		return
	}

	var req models.PrefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.URLs) == 0 {
		http.Error(w, "No URLs to prefetch", http.StatusBadRequest)
		return
	}
	parallel := req.Parallel
	if parallel <= 0 {
		parallel = defaultPrefetchParallel
	}

	results := a.warmer.WarmAll(r.Context(), req.URLs, parallel)
	out := make([]models.PrefetchResult, 0, len(results))
	for _, res := range results {
		pr := models.PrefetchResult{URL: res.URL, Bytes: res.Bytes, Attempts: res.Attempts}
		if res.Err != nil {
			pr.Error = res.Err.Error()
		}
		out = append(out, pr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) viewer(w http.ResponseWriter, id string) (*controller.Controller, bool) {
	c, err := a.viewers.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
