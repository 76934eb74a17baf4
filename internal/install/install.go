// Package install downloads server packages listed in the package index
// and unpacks them into per-slot directories.
package install

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"edgecli/internal/logging"
	"edgecli/internal/pkgindex"

	"github.com/google/uuid"
)

var (
	// ErrChecksumMismatch is returned when a download does not match the
	// index's sha256.
	ErrChecksumMismatch = errors.New("package checksum mismatch")
	// ErrNotInstalled is returned for slots with no installation.
	ErrNotInstalled = errors.New("version not installed")
)

const markerFile = ".edgecli-install.json"

// Installation describes an installed slot.
type Installation struct {
	Slot        string    `json:"slot"`
	Version     string    `json:"version"`
	Revision    string    `json:"revision"`
	SHA256      string    `json:"sha256"`
	InstalledAt time.Time `json:"installed_at"`
	Dir         string    `json:"-"`
}

// Parsed returns the installed version.
func (in *Installation) Parsed() (pkgindex.Version, error) {
	return pkgindex.ParseVersion(in.Version)
}

// ServerBinary is the server executable of the installation.
func (in *Installation) ServerBinary() string {
	return filepath.Join(in.Dir, "bin", "edgedb-server")
}

// Installer manages <data dir>/versions.
type Installer struct {
	root        string
	downloadDir string
	http        *http.Client
}

// New returns an Installer rooted at dataDir. Downloads are staged in
// downloadDir, or <dataDir>/downloads when empty.
func New(dataDir, downloadDir string) *Installer {
	if downloadDir == "" {
		downloadDir = filepath.Join(dataDir, "downloads")
	}
	return &Installer{
		root:        filepath.Join(dataDir, "versions"),
		downloadDir: downloadDir,
		http:        &http.Client{Timeout: 30 * time.Minute},
	}
}

// Dir returns the installation directory of slot.
func (i *Installer) Dir(slot string) string {
	return filepath.Join(i.root, slot)
}

// Installed returns the installation in slot.
func (i *Installer) Installed(slot string) (*Installation, error) {
	dir := i.Dir(slot)
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("slot %s: %w", slot, ErrNotInstalled)
	}
	if err != nil {
		return nil, err
	}
	var in Installation
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("corrupt install marker in %s: %w", dir, err)
	}
	in.Dir = dir
	return &in, nil
}

// List returns every installed slot.
func (i *Installer) List() ([]*Installation, error) {
	entries, err := os.ReadDir(i.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Installation
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		in, err := i.Installed(e.Name())
		if err != nil {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// Install downloads and unpacks rel unless the same version and revision
// already occupy its slot. force reinstalls regardless.
func (i *Installer) Install(ctx context.Context, idx *pkgindex.Index, rel pkgindex.Release, force bool) (*Installation, error) {
	log := logging.Get(logging.CategoryInstall)
	slot := rel.Slot
	if slot == "" {
		slot = rel.Parsed.Slot()
	}

	if existing, err := i.Installed(slot); err == nil && !force &&
		existing.Version == rel.Version && existing.Revision == rel.Revision {
		log.Debug("%s already installed in slot %s", rel.Version, slot)
		return existing, nil
	}

	url, err := idx.DownloadURL(rel.Package)
	if err != nil {
		return nil, err
	}
	timer := logging.StartTimer(logging.CategoryInstall, "install "+rel.Version)
	defer timer.Stop()

	archive, err := i.download(ctx, url, rel.SHA256)
	if err != nil {
		return nil, err
	}
	defer os.Remove(archive)

	if err := os.MkdirAll(i.root, 0o755); err != nil {
		return nil, err
	}
	staging := filepath.Join(i.root, ".tmp-"+uuid.NewString())
	defer os.RemoveAll(staging)

	if err := extractFile(archive, url, staging); err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", rel.Version, err)
	}
	content, err := singleRoot(staging)
	if err != nil {
		return nil, err
	}

	in := &Installation{
		Slot:        slot,
		Version:     rel.Version,
		Revision:    rel.Revision,
		SHA256:      rel.SHA256,
		InstalledAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(content, markerFile), data, 0o644); err != nil {
		return nil, err
	}

	dest := i.Dir(slot)
	if err := os.RemoveAll(dest); err != nil {
		return nil, err
	}
	if err := os.Rename(content, dest); err != nil {
		return nil, fmt.Errorf("failed to move installation into place: %w", err)
	}
	in.Dir = dest
	log.Info("installed %s (rev %s) into %s", rel.Version, rel.Revision, dest)
	return in, nil
}

// Uninstall removes slot.
func (i *Installer) Uninstall(slot string) error {
	if _, err := i.Installed(slot); err != nil {
		return err
	}
	return os.RemoveAll(i.Dir(slot))
}

// download fetches url into the download dir and checks its sha256.
func (i *Installer) download(ctx context.Context, url, wantSum string) (string, error) {
	log := logging.Get(logging.CategoryInstall)
	if err := os.MkdirAll(i.downloadDir, 0o755); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := i.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: %s", url, resp.Status)
	}

	f, err := os.CreateTemp(i.downloadDir, "pkg-*")
	if err != nil {
		return "", err
	}
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(f, h), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if wantSum == "" {
		log.Warn("no checksum published for %s", url)
	} else if !strings.EqualFold(got, wantSum) {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: %s: expected %s, got %s", ErrChecksumMismatch, url, wantSum, got)
	}
	return f.Name(), nil
}

// singleRoot returns the directory holding the package contents: dir
// itself, or its only child when the archive wraps everything in one
// top-level directory.
func singleRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() && entries[0].Name() != "bin" {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}
