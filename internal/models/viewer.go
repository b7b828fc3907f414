package models

import (
	"splatstream/internal/controller"
	"splatstream/internal/ply"
)

// ViewerState is the JSON view of one viewer's controller state.
// It is what GET /viewers/{id} returns and what the progress websocket pushes.
type ViewerState struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Loading  bool   `json:"loading"`
	Error    string `json:"error,omitempty"`
	Progress int    `json:"progress"`

	// Visible mirrors the progress indicator: shown while loading or on error.
	Visible bool `json:"visible"`

	// Asset is the record ID once the asset has loaded.
	Asset string `json:"asset,omitempty"`
}

// NewViewerState converts a controller snapshot.
func NewViewerState(id string, s controller.State) ViewerState {
	vs := ViewerState{
		ID:       id,
		URL:      s.URL,
		Loading:  s.Loading,
		Error:    s.Error,
		Progress: s.Progress,
		Visible:  s.Visible(),
	}
	if s.Asset != nil {
		vs.Asset = s.Asset.ID
	}
	return vs
}

// SourceRequest is the body of PUT /viewers/{id}/source.
type SourceRequest struct {
	URL string `json:"url"`
}

// SplatSummary describes a loaded splat without its payload.
type SplatSummary struct {
	AssetID   string `json:"assetId"`
	SourceURL string `json:"sourceUrl"`
	*ply.Splat
}

// PrefetchRequest is the body of POST /cache/prefetch.
type PrefetchRequest struct {
	URLs     []string `json:"urls"`
	Parallel int      `json:"parallel,omitempty"`
}

// PrefetchResult reports one prefetched URL.
type PrefetchResult struct {
	URL      string `json:"url"`
	Bytes    int64  `json:"bytes"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}
