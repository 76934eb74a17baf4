package pkgindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"edgecli/internal/logging"
	"edgecli/internal/store"
)

// Cache stores raw index bodies by URL. *store.Store implements it.
type Cache interface {
	PutIndex(ctx context.Context, url string, body []byte) error
	GetIndex(ctx context.Context, url string) ([]byte, time.Time, error)
}

// Fetcher downloads package indexes and caches them for TTL.
type Fetcher struct {
	HTTP  *http.Client
	Cache Cache
	TTL   time.Duration

	now func() time.Time
}

// NewFetcher returns a Fetcher. cache may be nil.
func NewFetcher(cache Cache, ttl time.Duration) *Fetcher {
	return &Fetcher{
		HTTP:  &http.Client{Timeout: 60 * time.Second},
		Cache: cache,
		TTL:   ttl,
		now:   time.Now,
	}
}

// Fetch returns the index at url. A cached copy younger than TTL is used
// without contacting the server. When the download fails a stale cached
// copy is returned instead of the error.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Index, error) {
	timer := logging.StartTimer(logging.CategoryInstall, "fetch index")
	defer timer.Stop()
	log := logging.Get(logging.CategoryInstall)

	var cached []byte
	if f.Cache != nil {
		body, fetchedAt, err := f.Cache.GetIndex(ctx, url)
		switch {
		case err == nil:
			cached = body
			if f.TTL > 0 && f.clock().Sub(fetchedAt) < f.TTL {
				log.Debug("using cached index %s (fetched %s)", url, fetchedAt.Format(time.RFC3339))
				return f.parse(url, body)
			}
		case !errors.Is(err, store.ErrNotFound):
			log.Warn("index cache read failed: %v", err)
		}
	}

	body, err := f.download(ctx, url)
	if err != nil {
		if cached != nil {
			log.Warn("index download failed, using stale cache: %v", err)
			return f.parse(url, cached)
		}
		return nil, err
	}
	idx, err := f.parse(url, body)
	if err != nil {
		return nil, err
	}
	if f.Cache != nil {
		if err := f.Cache.PutIndex(ctx, url, body); err != nil {
			log.Warn("index cache write failed: %v", err)
		}
	}
	return idx, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch package index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch package index %s: %s", url, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

func (f *Fetcher) parse(url string, body []byte) (*Index, error) {
	idx, err := ParseIndex(body)
	if err != nil {
		return nil, err
	}
	idx.BaseURL = url
	return idx, nil
}

func (f *Fetcher) clock() time.Time {
	if f.now == nil {
		return time.Now()
	}
	return f.now()
}
