// Package mirror models a delta-mirror's advertised index: fetching
// deltarepos.xml.xz over an injected transport, parsing it into Link
// values the solver can build a graph from, and optionally caching the
// parsed result so repeated solves against the same mirror don't re-fetch.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltarepo/internal/compression"
	"github.com/prn-tf/deltarepo/internal/deltaindex"
	"github.com/prn-tf/deltarepo/internal/repository"
)

// Fetcher retrieves a URL's body. The mirror package depends only on this
// interface, not on any specific transport, so callers can swap in
// retrying, authenticated or test transports without touching this package.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPFetcher is the default Fetcher, a thin wrapper over net/http. It does
// not implement retries, mirrorlists or timeouts beyond what the supplied
// client enforces — those remain the caller's responsibility.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a Fetcher backed by http.DefaultClient if client
// is nil.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("mirror: build request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mirror: fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("mirror: fetch %s: status %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

// Link is one edge of the delta graph: a route from a source content hash
// to a destination content hash, backed by a record in some mirror's
// deltarepos.xml.
type Link struct {
	Src  string
	Dst  string
	Type string // contenthash algorithm the link's endpoints are named in

	MirrorURL    string
	LocationBase string
	LocationHref string

	record deltaindex.Record
}

// DeltaRepoURL is the absolute URL of the delta repository this link
// points to, preferring the record's own location_base when set.
func (l Link) DeltaRepoURL() string {
	base := l.LocationBase
	if base == "" {
		base = l.MirrorURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return l.LocationHref
	}
	ref, err := url.Parse(l.LocationHref)
	if err != nil {
		return l.LocationHref
	}
	return u.ResolveReference(ref).String()
}

// Cost estimates the transfer cost of using this link, honoring an
// optional metadata-type whitelist.
func (l Link) Cost(whitelist []string) int64 {
	allowed := func(t string) bool {
		if whitelist == nil {
			return true
		}
		for _, w := range whitelist {
			if w == t {
				return true
			}
		}
		return false
	}
	var total int64
	for t, d := range l.record.Data {
		if allowed(t) {
			total += d.Size
		}
	}
	return total
}

// Record returns the underlying deltarepos.xml record this link wraps.
func (l Link) Record() deltaindex.Record { return l.record }

// Mirror is one parsed deltarepos.xml document, attributed to the mirror
// URL it was fetched from.
type Mirror struct {
	URL   string
	Links []Link
}

// FromURL fetches and parses a mirror's deltarepos.xml(.xz) via fetcher. In
// strict mode, any record that fails validation aborts the whole fetch; in
// forgiving mode, bad records are logged and skipped so one malformed entry
// doesn't take down an otherwise-usable mirror.
func FromURL(ctx context.Context, fetcher Fetcher, mirrorURL string, strict bool, logger zerolog.Logger) (*Mirror, error) {
	indexURL := strings.TrimSuffix(mirrorURL, "/") + "/deltarepos.xml.xz"

	body, err := fetcher.Fetch(ctx, indexURL)
	if err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}
	defer body.Close()

	decompressed, _, err := compression.DetectReader(body)
	if err != nil {
		return nil, fmt.Errorf("mirror: decompress index: %w", err)
	}
	raw, err := io.ReadAll(decompressed)
	if err != nil {
		return nil, fmt.Errorf("mirror: read index: %w", err)
	}

	return parseIndexBytes(raw, mirrorURL, strict, logger)
}

// cacheTTL is how long a fetched mirror index is considered fresh when a
// Cache is supplied to FromURLCached.
const cacheTTL = 5 * time.Minute

func cacheKey(mirrorURL string) string {
	return "mirror-index:" + mirrorURL
}

// FromURLCached behaves like FromURL but consults cache first, storing the
// decompressed deltarepos.xml bytes (not the parsed Mirror, since Link
// carries unexported state) so repeated solves against the same mirror
// within cacheTTL skip the network round trip entirely.
func FromURLCached(ctx context.Context, fetcher Fetcher, cache repository.Cache, mirrorURL string, strict bool, logger zerolog.Logger) (*Mirror, error) {
	key := cacheKey(mirrorURL)

	if cache != nil {
		if cached, err := cache.Get(ctx, key); err == nil {
			return parseIndexBytes(cached, mirrorURL, strict, logger)
		} else if err != repository.ErrCacheMiss {
			logger.Warn().Err(err).Str("mirror", mirrorURL).Msg("mirror: cache read failed, falling back to fetch")
		}
	}

	indexURL := strings.TrimSuffix(mirrorURL, "/") + "/deltarepos.xml.xz"
	body, err := fetcher.Fetch(ctx, indexURL)
	if err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}
	defer body.Close()

	decompressed, _, err := compression.DetectReader(body)
	if err != nil {
		return nil, fmt.Errorf("mirror: decompress index: %w", err)
	}
	raw, err := io.ReadAll(decompressed)
	if err != nil {
		return nil, fmt.Errorf("mirror: read index: %w", err)
	}

	if cache != nil {
		if err := cache.Set(ctx, key, raw, cacheTTL); err != nil {
			logger.Warn().Err(err).Str("mirror", mirrorURL).Msg("mirror: cache write failed")
		}
	}

	return parseIndexBytes(raw, mirrorURL, strict, logger)
}

func parseIndexBytes(raw []byte, mirrorURL string, strict bool, logger zerolog.Logger) (*Mirror, error) {
	idx, err := deltaindex.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("mirror: parse index: %w", err)
	}

	m := &Mirror{URL: mirrorURL}
	for i, rec := range idx.Records {
		if err := rec.Validate(false); err != nil {
			if strict {
				return nil, fmt.Errorf("mirror: record %d: %w", i, err)
			}
			logger.Warn().Err(err).Int("index", i).Str("mirror", mirrorURL).Msg("mirror: skipping invalid record")
			continue
		}
		m.Links = append(m.Links, Link{
			Src:          rec.ContentHashSrc,
			Dst:          rec.ContentHashDst,
			Type:         rec.ContentHashType,
			MirrorURL:    mirrorURL,
			LocationBase: rec.LocationBase,
			LocationHref: rec.LocationHref,
			record:       rec,
		})
	}
	return m, nil
}
