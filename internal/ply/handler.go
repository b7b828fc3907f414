package ply

import (
	"context"
	"fmt"

	"splatstream/internal/asset"
	"splatstream/internal/fetch"
	"splatstream/internal/logger"
)

// HandlerName is the registry name of the built-in splat handler.
const HandlerName = "ply"

// Handler is the built-in gsplat handler. It downloads a URL in one piece and parses it.
type Handler struct {
	fetcher *fetch.Fetcher
	logger  logger.Logger
}

var (
	_ asset.Handler = &Handler{}
	_ asset.Opener  = &Handler{}
)

// NewHandler creates a handler that downloads through fetcher.
func NewHandler(fetcher *fetch.Fetcher, log logger.Logger) *Handler {
	return &Handler{fetcher: fetcher, logger: log}
}

// Load downloads url and parses it as a PLY splat.
func (h *Handler) Load(ctx context.Context, url string, rec *asset.Record) (asset.Resource, error) {
	data, err := h.fetcher.Fetch(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return h.Open(url, data, rec)
}

// Open parses data that is already in memory.
func (h *Handler) Open(url string, data []byte, rec *asset.Record) (asset.Resource, error) {
	splat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse splat %s: %w", url, err)
	}
	id := ""
	if rec != nil {
		id = rec.ID
	}
	h.logger.Debugf("Parsed splat %s (asset %s): %s, %d vertices, %d bytes", url, id, splat.Format, splat.VertexCount, splat.Size)
	return splat, nil
}

// Resolve has no dependencies to resolve for splats.
func (h *Handler) Resolve(ctx context.Context, url string, rec *asset.Record) error {
	return nil
}
