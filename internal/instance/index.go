package instance

import (
	"context"

	"edgecli/internal/pkgindex"
)

// RemoteIndex fetches channel indexes for the running platform.
type RemoteIndex struct {
	Fetcher  *pkgindex.Fetcher
	BaseURL  string
	Platform string
}

func NewRemoteIndex(f *pkgindex.Fetcher, baseURL string) *RemoteIndex {
	return &RemoteIndex{Fetcher: f, BaseURL: baseURL, Platform: pkgindex.Platform()}
}

func (r *RemoteIndex) Index(ctx context.Context, ch pkgindex.Channel) (*pkgindex.Index, error) {
	return r.Fetcher.Fetch(ctx, pkgindex.IndexURL(r.BaseURL, r.Platform, ch))
}
