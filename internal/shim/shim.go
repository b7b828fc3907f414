package shim

import (
	"context"
	"errors"
	"fmt"

	"splatstream/internal/asset"
	"splatstream/internal/fetch"
	"splatstream/internal/logger"
)

// Name is the registry name the shim installs itself under.
const Name = "progress-shim"

// DefaultMediaType labels buffers handed to the delegate through a blob URL.
const DefaultMediaType = "model/ply"

// ErrNoDelegate is returned when no default handler was registered before the shim.
var ErrNoDelegate = errors.New("no default handler to delegate parsing to")

// Handler replaces the default handler of an asset type. It downloads the bytes
// itself, reporting progress on the record, and hands them to the handler it
// replaced for parsing.
type Handler struct {
	assetType string
	mediaType string
	fetcher   *fetch.Fetcher
	delegate  asset.Handler
	blobs     *BlobStore
	logger    logger.Logger
}

var (
	_ asset.Handler = &Handler{}
	_ asset.Opener  = &Handler{}
)

// New creates a shim for assetType that parses through delegate. delegate may be nil,
// in which case every load fails with ErrNoDelegate after the download.
func New(assetType string, fetcher *fetch.Fetcher, delegate asset.Handler, blobs *BlobStore, log logger.Logger) *Handler {
	if blobs == nil {
		blobs = NewBlobStore("")
	}
	return &Handler{
		assetType: assetType,
		mediaType: DefaultMediaType,
		fetcher:   fetcher,
		delegate:  delegate,
		blobs:     blobs,
		logger:    log,
	}
}

// Install puts a shim in front of the handler currently registered for assetType.
// It returns false without changing anything when a shim is already installed.
func Install(reg *asset.Registry, assetType string, fetcher *fetch.Fetcher, blobs *BlobStore, log logger.Logger) bool {
	installed := reg.RegisterIfAbsent(assetType, Name, func(prev asset.Handler) asset.Handler {
		if prev == nil {
			log.Warnf("No default %s handler found, loads will fail after download", assetType)
		}
		return New(assetType, fetcher, prev, blobs, log)
	})
	if installed {
		log.Infof("Installed progress shim for asset type %s", assetType)
	}
	return installed
}

// Delegate returns the handler parsing is delegated to.
func (h *Handler) Delegate() asset.Handler {
	return h.delegate
}

// Load downloads url, firing progress on rec, then parses the bytes through the delegate
// and attaches the result to rec.
func (h *Handler) Load(ctx context.Context, url string, rec *asset.Record) (asset.Resource, error) {
	data, err := h.fetcher.Fetch(ctx, url, func(received, total int64) {
		if rec != nil {
			rec.FireProgress(received, total)
		}
	})
	if err != nil {
		return nil, err
	}
	if h.delegate == nil {
		return nil, ErrNoDelegate
	}

	res, err := h.delegateLoad(ctx, url, data, rec)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		if err := rec.SetResource(res); err != nil {
			return nil, fmt.Errorf("asset %s: %w", rec.ID, err)
		}
	}
	return res, nil
}

// delegateLoad parses data with the delegate on a throwaway record, so the
// delegate never fires events on the caller's record.
func (h *Handler) delegateLoad(ctx context.Context, url string, data []byte, rec *asset.Record) (asset.Resource, error) {
	if opener, ok := h.delegate.(asset.Opener); ok {
		tmp := asset.NewRecord(h.assetType, url)
		return opener.Open(url, data, tmp)
	}

	blobURL := h.blobs.Create(data, h.mediaType)
	defer h.blobs.Revoke(blobURL)

	tmp := asset.NewRecord(h.assetType, blobURL)
	if rec != nil {
		h.logger.Debugf("Delegating asset %s to default handler via %s", rec.ID, blobURL)
	}
	return h.delegate.Load(ctx, blobURL, tmp)
}

// Open hands data straight to the delegate. Without a delegate able to open
// in-memory data it returns nothing.
func (h *Handler) Open(url string, data []byte, rec *asset.Record) (asset.Resource, error) {
	opener, ok := h.delegate.(asset.Opener)
	if !ok {
		return nil, nil
	}
	return opener.Open(url, data, rec)
}

// Resolve always succeeds; splats have no dependencies.
func (h *Handler) Resolve(ctx context.Context, url string, rec *asset.Record) error {
	return nil
}
