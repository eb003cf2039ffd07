package coordinator

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/nholik/skyward/internal/spec"
)

// Document is one read of the deployment document.
type Document struct {
	Raw    []byte
	Format spec.Format
	// Unchanged is set when the source reports the document did not change
	// since the previous read.
	Unchanged bool
}

// Source reads the deployment document.
type Source interface {
	Read(ctx context.Context) (Document, error)
}

// FileSource reads the document from disk on every call.
type FileSource struct {
	Path string
}

func (s FileSource) Read(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return Document{}, fmt.Errorf("read spec: %w", err)
	}
	return Document{Raw: raw, Format: spec.FormatFromPath(s.Path)}, nil
}

// Fetcher is implemented by spec.HTTPFetcher.
type Fetcher interface {
	Fetch(ctx context.Context, previousETag string) (spec.FetchResult, error)
}

// URLSource fetches the document over HTTP and remembers the last ETag.
type URLSource struct {
	fetcher Fetcher
	format  spec.Format
	// byExtension is set when the URL path names the format; otherwise the
	// response Content-Type decides.
	byExtension bool

	mu   sync.Mutex
	etag string
}

// NewURLSource wraps fetcher. The document format is derived from the URL
// path, falling back to the response Content-Type and then YAML.
func NewURLSource(rawURL string, fetcher Fetcher) *URLSource {
	src := &URLSource{fetcher: fetcher, format: spec.FormatYAML}
	if u, err := url.Parse(rawURL); err == nil {
		switch strings.ToLower(path.Ext(u.Path)) {
		case ".yaml", ".yml", ".toml", ".json":
			src.format = spec.FormatFromPath(path.Base(u.Path))
			src.byExtension = true
		}
	}
	return src
}

func (s *URLSource) Read(ctx context.Context) (Document, error) {
	s.mu.Lock()
	etag := s.etag
	s.mu.Unlock()

	result, err := s.fetcher.Fetch(ctx, etag)
	if err != nil {
		return Document{}, err
	}
	if result.NotModified {
		return Document{Format: s.format, Unchanged: true}, nil
	}

	s.mu.Lock()
	s.etag = result.ETag
	s.mu.Unlock()

	format := s.format
	if !s.byExtension {
		if f, ok := spec.FormatFromContentType(result.ContentType); ok {
			format = f
		}
	}
	return Document{Raw: result.Body, Format: format}, nil
}
