package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-logr/logr"

	"splatstream/internal/asset"
	"splatstream/internal/cache"
	"splatstream/internal/config"
	"splatstream/internal/controller"
	"splatstream/internal/fetch"
	"splatstream/internal/logger"
	"splatstream/internal/ply"
	"splatstream/internal/shim"
)

// Platform wires the asset registry, its handlers and the cached HTTP stack together.
type Platform struct {
	Config   *config.Config
	Logger   logger.Logger
	Registry *asset.Registry
	Blobs    *shim.BlobStore
	Storage  cache.Storage
	Cache    *cache.RuntimeCache
	Client   *http.Client
	Fetcher  *fetch.Fetcher

	detachErrors func()
}

// Options allows tests to replace the network transport and the cache storage.
type Options struct {
	// Transport is the network transport under the cache. Defaults to fetch.NewTransport().
	Transport http.RoundTripper
	// Storage replaces the storage selected by the configuration.
	Storage cache.Storage
}

type logrProvider interface {
	Logr() logr.Logger
}

// New sets up a platform from cfg. The runtime cache is installed and
// activated before New returns; failing to purge old generations is only logged.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts Options) (*Platform, error) {
	if log == nil {
		log = logger.Discard{}
	}
	p := &Platform{
		Config: cfg,
		Logger: log,
		Blobs:  shim.NewBlobStore(""),
	}

	network := opts.Transport
	if network == nil {
		network = fetch.NewTransport()
	}
	transport := p.Blobs.Wrap(network)

	if !cfg.Cache.Disabled {
		storage := opts.Storage
		if storage == nil {
			var err error
			storage, err = newStorage(cfg.Cache, log)
			if err != nil {
				return nil, err
			}
		}
		p.Storage = storage
		p.Cache = cache.New(storage, transport, cache.Options{
			Generation: cfg.Cache.Generation,
			Extension:  cfg.Cache.Extension,
			Logger:     log,
		})
		if err := p.Cache.Install(); err != nil {
			p.closeStorage()
			return nil, err
		}
		if err := p.Cache.Activate(ctx); err != nil {
			log.Warnf("Runtime cache activated with errors: %v", err)
		}
		transport = p.Cache
	}

	p.Client = fetch.NewHTTPClient(transport, cfg.RequestTimeout)
	p.Fetcher = fetch.New(p.Client,
		fetch.WithUserAgent(cfg.UserAgent),
		fetch.WithChunkSize(cfg.ChunkSize),
		fetch.WithLogger(log),
	)

	p.Registry = asset.NewRegistry(log)
	p.Registry.Register(cfg.AssetType, ply.HandlerName, ply.NewHandler(p.Fetcher, log))
	shim.Install(p.Registry, cfg.AssetType, p.Fetcher, p.Blobs, log)
	p.detachErrors = p.Registry.OnError(p.logPlatformError)

	return p, nil
}

func newStorage(cfg config.CacheConfig, log logger.Logger) (cache.Storage, error) {
	if cfg.Dir == "" {
		return cache.NewMemoryStorage(log), nil
	}
	l := logr.Discard()
	if lp, ok := log.(logrProvider); ok {
		l = lp.Logr()
	}
	storage, err := cache.NewOSStorage(l.WithName("cache"), cfg.Dir, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache storage: %w", err)
	}
	return storage, nil
}

// NewController creates a controller loading through this platform.
func (p *Platform) NewController(opts ...controller.Option) *controller.Controller {
	base := []controller.Option{
		controller.WithAssetType(p.Config.AssetType),
		controller.WithGraceDelay(p.Config.GraceDelay),
		controller.WithLogger(p.Logger),
	}
	return controller.New(p.Registry, append(base, opts...)...)
}

// Warmer returns a warmer sharing the platform's cached client.
func (p *Platform) Warmer() *fetch.Warmer {
	return fetch.NewWarmer(p.Fetcher)
}

// Close detaches the error logger and releases the cache storage.
func (p *Platform) Close() error {
	if p.detachErrors != nil {
		p.detachErrors()
	}
	return p.closeStorage()
}

func (p *Platform) closeStorage() error {
	if c, ok := p.Storage.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// logPlatformError logs errors from the registry's generic error channel with
// their cause chain and, when known, the asset they belong to.
func (p *Platform) logPlatformError(err error, rec *asset.Record) {
	assetID := "none"
	if rec != nil {
		assetID = rec.ID
	}
	p.Logger.Errorf("Platform error: %v (asset: %s, causes: %s)", err, assetID, CauseChain(err))
}

// CauseChain renders every error in err's Unwrap chain, outermost first.
func CauseChain(err error) string {
	var chain []string
	for err != nil {
		chain = append(chain, fmt.Sprintf("%T: %s", err, err.Error()))
		err = errors.Unwrap(err)
	}
	return strings.Join(chain, " <- ")
}
