package pkgindex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"edgecli/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want Version
		slot string
		str  string
	}{
		{"1.0", Version{Major: 1, Minor: 0, Stage: StageFinal}, "1", "1.0"},
		{"1.2", Version{Major: 1, Minor: 2, Stage: StageFinal}, "1", "1.2"},
		{"3", Version{Major: 3, Stage: StageFinal}, "3", "3.0"},
		{"1.0-alpha.7", Version{Major: 1, Stage: StageAlpha, StageNo: 7}, "1-alpha7", "1.0-alpha.7"},
		{"1.0a7", Version{Major: 1, Stage: StageAlpha, StageNo: 7}, "1-alpha7", "1.0-alpha.7"},
		{"1.0-beta.2", Version{Major: 1, Stage: StageBeta, StageNo: 2}, "1-beta2", "1.0-beta.2"},
		{"1.0b2", Version{Major: 1, Stage: StageBeta, StageNo: 2}, "1-beta2", "1.0-beta.2"},
		{"1.0-rc.1", Version{Major: 1, Stage: StageRC, StageNo: 1}, "1-rc1", "1.0-rc.1"},
		{"2.0-dev.6132+g3fb9b0b", Version{Major: 2, Stage: StageDev, StageNo: 6132, Local: "g3fb9b0b"}, "2-dev", "2.0-dev.6132+g3fb9b0b"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := ParseVersion(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
			assert.Equal(t, tt.slot, v.Slot())
			assert.Equal(t, tt.str, v.String())
		})
	}

	for _, bad := range []string{"", "x", "1.", "1.0-gamma.1", "1.0-beta"} {
		_, err := ParseVersion(bad)
		assert.Error(t, err, bad)
	}
}

func TestVersionOrdering(t *testing.T) {
	ordered := []string{"1.0-dev.100", "1.0-alpha.1", "1.0-alpha.7", "1.0-beta.2", "1.0-rc.1", "1.0", "1.2", "2.0-dev.5", "2.0"}
	for i := 1; i < len(ordered); i++ {
		a, b := MustParseVersion(ordered[i-1]), MustParseVersion(ordered[i])
		assert.True(t, a.Less(b), "%s < %s", a, b)
		assert.Equal(t, 1, b.Compare(a))
	}
	assert.Equal(t, 0, MustParseVersion("2.0-dev.5+gabc").Compare(MustParseVersion("2.0-dev.5")))

	assert.True(t, MustParseVersion("1.0").CompatibleWith(MustParseVersion("1.4")))
	assert.False(t, MustParseVersion("1.4").CompatibleWith(MustParseVersion("2.0")))
	assert.False(t, MustParseVersion("1.0-rc.1").CompatibleWith(MustParseVersion("1.0")))
	assert.True(t, MustParseVersion("2.0-dev.1").IsNightly())
	assert.True(t, MustParseVersion("2.1").IsStable())
}

const indexJSON = `{"packages": [
	{"basename": "edgedb-server", "slot": "1", "name": "edgedb-server-1", "version": "1.0", "revision": "2021", "architecture": "x86_64", "installref": "/archive/edgedb-server-1.0.tar.zst", "sha256": "aa"},
	{"basename": "edgedb-server", "slot": "1", "name": "edgedb-server-1", "version": "1.3", "revision": "2022", "architecture": "x86_64", "installref": "edgedb-server-1.3.tar.zst", "sha256": "bb"},
	{"basename": "edgedb-server", "slot": "2", "name": "edgedb-server-2", "version": "2.1", "revision": "2022", "architecture": "x86_64", "installref": "https://mirror.example/edgedb-server-2.1.tar.zst", "sha256": "cc"},
	{"basename": "edgedb-server", "slot": "3-dev", "name": "edgedb-server-3-dev", "version": "3.0-dev.6132+g3fb9b0b", "revision": "2022", "architecture": "x86_64", "installref": "edgedb-server-3-dev.tar.zst", "sha256": "dd"},
	{"basename": "edgedb-server", "slot": "3-dev", "name": "edgedb-server-3-dev", "version": "3.0-dev.6001", "revision": "2022", "architecture": "x86_64", "installref": "old.tar.zst", "sha256": "ee"},
	{"basename": "edgedb-server", "slot": "x", "name": "broken", "version": "not-a-version"}
]}`

func TestIndexSelection(t *testing.T) {
	idx, err := ParseIndex([]byte(indexJSON))
	require.NoError(t, err)
	idx.BaseURL = "https://packages.example/archive/.jsonindexes/x86_64-unknown-linux-gnu.json"

	assert.Len(t, idx.Releases(), 5)

	r, err := idx.LatestStable()
	require.NoError(t, err)
	assert.Equal(t, "2.1", r.Version)

	r, err = idx.LatestNightly()
	require.NoError(t, err)
	assert.Equal(t, 6132, r.Parsed.StageNo)

	r, err = idx.LatestMinor(1)
	require.NoError(t, err)
	assert.Equal(t, "1.3", r.Version)

	_, err = idx.LatestMinor(4)
	assert.ErrorIs(t, err, ErrNoRelease)

	r, err = idx.Find("1")
	require.NoError(t, err)
	assert.Equal(t, "1.3", r.Version)

	r, err = idx.Find("1.0")
	require.NoError(t, err)
	assert.Equal(t, "aa", r.SHA256)

	_, err = idx.Find("1.1")
	assert.ErrorIs(t, err, ErrNoRelease)

	u, err := idx.DownloadURL(idx.Packages[0])
	require.NoError(t, err)
	assert.Equal(t, "https://packages.example/archive/edgedb-server-1.0.tar.zst", u)
	u, err = idx.DownloadURL(idx.Packages[1])
	require.NoError(t, err)
	assert.Equal(t, "https://packages.example/archive/.jsonindexes/edgedb-server-1.3.tar.zst", u)
	u, err = idx.DownloadURL(idx.Packages[2])
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.example/edgedb-server-2.1.tar.zst", u)
}

func TestPlatformAndIndexURL(t *testing.T) {
	assert.Equal(t, "x86_64-unknown-linux-gnu", PlatformFor("linux", "amd64"))
	assert.Equal(t, "aarch64-apple-darwin", PlatformFor("darwin", "arm64"))
	assert.Equal(t, "https://p/idx/x86_64-unknown-linux-gnu.json", IndexURL("https://p/idx/", "x86_64-unknown-linux-gnu", ChannelStable))
	assert.Equal(t, "https://p/idx/aarch64-apple-darwin.nightly.json", IndexURL("https://p/idx", "aarch64-apple-darwin", ChannelNightly))

	ch, err := ParseChannel("")
	require.NoError(t, err)
	assert.Equal(t, ChannelStable, ch)
	_, err = ParseChannel("weekly")
	assert.Error(t, err)
}

func TestFetcher_CachesWithinTTL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(indexJSON))
	}))
	defer srv.Close()

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	f := NewFetcher(s, time.Hour)
	f.now = func() time.Time { return now }

	ctx := context.Background()
	idx, err := f.Fetch(ctx, srv.URL+"/linux.json")
	require.NoError(t, err)
	assert.Len(t, idx.Packages, 6)
	assert.Equal(t, srv.URL+"/linux.json", idx.BaseURL)

	_, err = f.Fetch(ctx, srv.URL+"/linux.json")
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())

	now = now.Add(2 * time.Hour)
	_, err = f.Fetch(ctx, srv.URL+"/linux.json")
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetcher_FallsBackToStaleCache(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		w.Write([]byte(indexJSON))
	}))
	defer srv.Close()

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	f := NewFetcher(s, 0)
	ctx := context.Background()
	_, err = f.Fetch(ctx, srv.URL)
	require.NoError(t, err)

	down.Store(true)
	idx, err := f.Fetch(ctx, srv.URL)
	require.NoError(t, err)
	assert.Len(t, idx.Packages, 6)

	uncached := NewFetcher(nil, 0)
	_, err = uncached.Fetch(ctx, srv.URL)
	assert.ErrorContains(t, err, "502")
}
