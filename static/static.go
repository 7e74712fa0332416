// Package static serves the browser-side assets of the bridge from an fs.FS,
// with index.html as the default document for directory requests. File
// contents are kept in an in-memory cache unless caching is disabled, as it
// is in debug mode.
package static

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/go-webio/logger"
)

// DefaultFile is the document served for directory requests.
const DefaultFile = "index.html"

//go:embed assets
var embedded embed.FS

// DefaultAssets returns the assets compiled into the binary.
func DefaultAssets() fs.FS {
	sub, err := fs.Sub(embedded, "assets")
	if err != nil {
		panic(fmt.Errorf("embedded assets: %w", err))
	}

	return sub
}

// Config configures a Handler.
type Config struct {
	// DefaultFile overrides the directory document; empty means index.html.
	DefaultFile string
	// CacheTTL is how long file contents stay cached. Zero disables caching.
	CacheTTL time.Duration
	// Logger defaults to a no-op logger.
	Logger logger.Logger
}

type asset struct {
	name    string
	data    []byte
	modTime time.Time
}

// Handler is an http.Handler serving files from an fs.FS.
type Handler struct {
	assets      fs.FS
	defaultFile string
	cache       *cache.Cache
	group       singleflight.Group
	log         logger.Logger
}

// NewHandler creates a Handler for assets.
//
// Parameters:
//   - assets: The file tree to serve, e.g. DefaultAssets() or os.DirFS(dir)
//   - cfg: Default document, cache lifetime and logger
//
// Returns:
//   - A ready Handler
func NewHandler(assets fs.FS, cfg Config) *Handler {
	h := &Handler{
		assets:      assets,
		defaultFile: cfg.DefaultFile,
		log:         cfg.Logger,
	}

	if h.defaultFile == "" {
		h.defaultFile = DefaultFile
	}
	if h.log == nil {
		h.log = logger.NewNopLogger()
	}
	if cfg.CacheTTL > 0 {
		h.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = "."
	}

	info, err := fs.Stat(h.assets, name)
	if err != nil {
		h.serveError(w, r, err)
		return
	}

	if info.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
			return
		}
		name = path.Join(name, h.defaultFile)
	}

	a, err := h.load(name)
	if err != nil {
		h.serveError(w, r, err)
		return
	}

	http.ServeContent(w, r, a.name, a.modTime, bytes.NewReader(a.data))
}

// load returns the asset for name, reading it at most once per cache
// lifetime even under concurrent requests.
func (h *Handler) load(name string) (*asset, error) {
	if h.cache == nil {
		return h.read(name)
	}

	if v, found := h.cache.Get(name); found {
		return v.(*asset), nil
	}

	v, err, _ := h.group.Do(name, func() (interface{}, error) {
		if v, found := h.cache.Get(name); found {
			return v, nil
		}

		a, err := h.read(name)
		if err != nil {
			return nil, err
		}

		h.cache.SetDefault(name, a)
		return a, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*asset), nil
}

func (h *Handler) read(name string) (*asset, error) {
	info, err := fs.Stat(h.assets, name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fs.ErrNotExist
	}

	data, err := fs.ReadFile(h.assets, name)
	if err != nil {
		return nil, err
	}

	return &asset{name: path.Base(name), data: data, modTime: info.ModTime()}, nil
}

// CachedItems returns the number of cached assets.
func (h *Handler) CachedItems() int {
	if h.cache == nil {
		return 0
	}

	return h.cache.ItemCount()
}

func (h *Handler) serveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrInvalid):
		http.NotFound(w, r)
	case errors.Is(err, fs.ErrPermission):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	default:
		h.log.Error("failed to serve static file", logger.Field{Key: "path", Value: r.URL.Path}, logger.Field{Key: "error", Value: err.Error()})
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
