package pkgindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"sort"
	"strings"
)

// ErrNoRelease is returned when no package in the index matches a query.
var ErrNoRelease = errors.New("no matching release in package index")

// Channel is a package stream.
type Channel string

const (
	ChannelStable  Channel = "stable"
	ChannelTesting Channel = "testing"
	ChannelNightly Channel = "nightly"
)

// ParseChannel accepts stable, testing and nightly. The empty string is
// stable.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case "", ChannelStable:
		return ChannelStable, nil
	case ChannelTesting, ChannelNightly:
		return Channel(s), nil
	}
	return "", fmt.Errorf("unknown channel %q (expected stable, testing or nightly)", s)
}

// Package is one installable build as listed in the index.
type Package struct {
	Basename     string `json:"basename"`
	Slot         string `json:"slot"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	Revision     string `json:"revision"`
	Architecture string `json:"architecture"`
	InstallRef   string `json:"installref"`
	SHA256       string `json:"sha256"`
}

// Index is the package index for one platform and channel.
type Index struct {
	Packages []Package `json:"packages"`
	// BaseURL resolves relative install refs; it is the URL the index was
	// fetched from.
	BaseURL string `json:"-"`
}

// Release is a package with its parsed version.
type Release struct {
	Package
	Parsed Version
}

// ParseIndex decodes an index document.
func ParseIndex(data []byte) (*Index, error) {
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("invalid package index: %w", err)
	}
	return &idx, nil
}

// Releases returns every package with a parseable version, newest first.
// Packages with unparseable versions are skipped.
func (idx *Index) Releases() []Release {
	out := make([]Release, 0, len(idx.Packages))
	for _, p := range idx.Packages {
		v, err := ParseVersion(p.Version)
		if err != nil {
			continue
		}
		out = append(out, Release{Package: p, Parsed: v})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Parsed.Compare(out[j].Parsed); c != 0 {
			return c > 0
		}
		return out[i].Revision > out[j].Revision
	})
	return out
}

func (idx *Index) latest(match func(Version) bool) (Release, error) {
	for _, r := range idx.Releases() {
		if match(r.Parsed) {
			return r, nil
		}
	}
	return Release{}, ErrNoRelease
}

// LatestStable returns the newest final release.
func (idx *Index) LatestStable() (Release, error) {
	return idx.latest(Version.IsStable)
}

// LatestNightly returns the newest dev build.
func (idx *Index) LatestNightly() (Release, error) {
	return idx.latest(Version.IsNightly)
}

// LatestMinor returns the newest final release within major.
func (idx *Index) LatestMinor(major int) (Release, error) {
	return idx.latest(func(v Version) bool { return v.IsStable() && v.Major == major })
}

// Find returns the release for version query. A bare major such as "1"
// selects the newest stable release of that major.
func (idx *Index) Find(query string) (Release, error) {
	want, err := ParseVersion(query)
	if err != nil {
		return Release{}, err
	}
	if !strings.ContainsAny(query, ".-+") {
		return idx.LatestMinor(want.Major)
	}
	r, err := idx.latest(func(v Version) bool { return v.Compare(want) == 0 })
	if err != nil {
		return Release{}, fmt.Errorf("version %s: %w", want, err)
	}
	return r, nil
}

// DownloadURL resolves the package's install ref against the index URL.
func (idx *Index) DownloadURL(p Package) (string, error) {
	ref, err := url.Parse(p.InstallRef)
	if err != nil {
		return "", fmt.Errorf("invalid install ref %q: %w", p.InstallRef, err)
	}
	if ref.IsAbs() || idx.BaseURL == "" {
		return ref.String(), nil
	}
	base, err := url.Parse(idx.BaseURL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// Platform returns the index platform triple of the running system, such
// as x86_64-unknown-linux-gnu or aarch64-apple-darwin.
func Platform() string {
	return PlatformFor(runtime.GOOS, runtime.GOARCH)
}

func PlatformFor(goos, goarch string) string {
	arch := goarch
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}
	switch goos {
	case "darwin":
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	default:
		return arch + "-unknown-" + goos + "-gnu"
	}
}

// IndexURL returns the index location for platform and channel under
// base: <base>/<platform>.json for stable, <base>/<platform>.<channel>.json
// otherwise.
func IndexURL(base, platform string, ch Channel) string {
	base = strings.TrimRight(base, "/")
	if ch == ChannelStable || ch == "" {
		return fmt.Sprintf("%s/%s.json", base, platform)
	}
	return fmt.Sprintf("%s/%s.%s.json", base, platform, ch)
}
