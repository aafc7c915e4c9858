// Package static serves the document root and the compiled bundle.
package static

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/matthewmueller/servn/bundle"
	"github.com/matthewmueller/servn/metrics"
)

// ErrNotFound is returned when a request doesn't map to a file in the root.
var ErrNotFound = errors.New("static: not found")

// IOError is returned when a resolved file can't be read.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("static: reading %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Bundles returns the latest bundle, waiting for the first build if needed.
type Bundles interface {
	Artifact(ctx context.Context) (*bundle.Artifact, error)
}

type Options struct {
	// Root is the absolute document root.
	Root string
	// Index is the file served for directory requests, e.g. index.html.
	Index      string
	BundlePath string
	Bundles    Bundles
	// Placeholder serves a page that loads the bundle when the root has no
	// index. Otherwise the root 404s like any other missing file.
	Placeholder bool
	Log         *slog.Logger
	Metrics     *metrics.Metrics
}

type Handler struct {
	opts  Options
	root  string // Root with symlinks resolved
	stem  string
	ext   string
	index string
}

func New(opts Options) *Handler {
	if opts.Index == "" {
		opts.Index = "index.html"
	}
	if opts.BundlePath == "" {
		opts.BundlePath = "/bundle.js"
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	index := filepath.Base(opts.Index)
	ext := filepath.Ext(index)
	root, err := filepath.EvalSymlinks(opts.Root)
	if err != nil {
		root = opts.Root
	}
	return &Handler{
		opts:  opts,
		root:  root,
		stem:  strings.TrimSuffix(index, ext),
		ext:   ext,
		index: index,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == h.opts.BundlePath {
		h.serveBundle(w, r)
		return
	}
	name, err := h.Resolve(r.URL.EscapedPath())
	if err != nil {
		if errors.Is(err, ErrNotFound) && h.opts.Placeholder && isRoot(r.URL.EscapedPath()) {
			h.write(w, http.StatusOK, "text/html", placeholderPage(h.opts.BundlePath))
			return
		}
		h.fail(w, err)
		return
	}
	data, err := os.ReadFile(name)
	if err != nil {
		h.fail(w, &IOError{name, err})
		return
	}
	h.write(w, http.StatusOK, ContentType(filepath.Ext(name)), data)
}

func (h *Handler) serveBundle(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.opts.Bundles.Artifact(r.Context())
	if err != nil {
		h.opts.Log.Error("static: bundle unavailable", "error", err)
		h.write(w, http.StatusInternalServerError, "text/html", errorPage(err))
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Bundle-Seq", strconv.FormatUint(artifact.Seq, 10))
	h.write(w, http.StatusOK, "application/javascript", artifact.Code)
}

// Resolve maps an escaped URL path to a file under the root. Paths that
// don't exist or escape the root return ErrNotFound.
func (h *Handler) Resolve(escaped string) (string, error) {
	rel, err := url.PathUnescape(escaped)
	if err != nil {
		return "", ErrNotFound
	}
	// Cleaning an absolute path drops any ".." that would climb above "/"
	rel = strings.TrimSuffix(path.Clean("/"+rel), "/")
	name := filepath.Join(h.opts.Root, filepath.FromSlash(rel))
	if !contains(h.opts.Root, name) {
		return "", ErrNotFound
	}
	ext := path.Ext(rel)
	if ext == "" {
		ext = h.ext
	}
	fi, err := os.Stat(name)
	if err != nil {
		return "", ErrNotFound
	}
	if fi.IsDir() {
		name = filepath.Join(name, h.stem+ext)
		if _, err := os.Stat(name); errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
	}
	// Symlinks inside the root may not point outside of it
	real, err := filepath.EvalSymlinks(name)
	if err != nil || !contains(h.root, real) {
		return "", ErrNotFound
	}
	return name, nil
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		h.write(w, http.StatusNotFound, "text/html", notFoundPage)
		return
	}
	h.opts.Log.Error("static: serving file", "error", err)
	h.write(w, http.StatusInternalServerError, "text/html", errorPage(err))
}

func (h *Handler) write(w http.ResponseWriter, code int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	w.Write(body)
	h.opts.Metrics.Response(strconv.Itoa(code))
}

func isRoot(escaped string) bool {
	rel, err := url.PathUnescape(escaped)
	if err != nil {
		return false
	}
	return path.Clean("/"+rel) == "/"
}

func contains(root, name string) bool {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
