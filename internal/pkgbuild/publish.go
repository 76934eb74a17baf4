package pkgbuild

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"edgecli/internal/config"
	"edgecli/internal/logging"
	"edgecli/internal/pkgindex"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrObjectNotFound  = errors.New("object not found")
	ErrNoArtifacts     = errors.New("no artifacts to publish")
	ErrBadArtifactName = errors.New("artifact name must be <name>-<slot>_<version>_<revision>.tar[.zst]")
)

// IndexPrefix is the bucket directory holding the package indexes.
const IndexPrefix = ".jsonindexes"

// ObjectStore is the bucket the publisher writes to.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Get returns ErrObjectNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)
}

// MinioStore is an ObjectStore on an S3-compatible bucket.
type MinioStore struct {
	mc     *minio.Client
	bucket string
}

// NewMinioStore connects to the bucket described by cfg.
func NewMinioStore(cfg config.PublishConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("publish.endpoint and publish.bucket are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &MinioStore{mc: mc, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	return s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.mc.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.mc.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return data, nil
}

// Artifact is a package archive produced by a build job.
type Artifact struct {
	Path     string
	Basename string
	Slot     string
	Version  string
	Revision string
}

// ArtifactFileName is the file name build scripts give archives.
func ArtifactFileName(basename, version, revision string) (string, error) {
	v, err := pkgindex.ParseVersion(version)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s_%s_%s.tar.zst", basename, v.Slot(), version, revision), nil
}

// ParseArtifact recovers package metadata from an archive file name.
func ParseArtifact(p string) (Artifact, error) {
	name := filepath.Base(p)
	switch {
	case strings.HasSuffix(name, ".tar.zst"):
		name = strings.TrimSuffix(name, ".tar.zst")
	case strings.HasSuffix(name, ".tar"):
		name = strings.TrimSuffix(name, ".tar")
	default:
		return Artifact{}, fmt.Errorf("%s: %w", p, ErrBadArtifactName)
	}
	parts := strings.Split(name, "_")
	if len(parts) != 3 || parts[2] == "" {
		return Artifact{}, fmt.Errorf("%s: %w", p, ErrBadArtifactName)
	}
	v, err := pkgindex.ParseVersion(parts[1])
	if err != nil {
		return Artifact{}, fmt.Errorf("%s: %w", p, err)
	}
	slot := v.Slot()
	basename, ok := strings.CutSuffix(parts[0], "-"+slot)
	if !ok || basename == "" {
		return Artifact{}, fmt.Errorf("%s: slot does not match version %s: %w", p, parts[1], ErrBadArtifactName)
	}
	return Artifact{Path: p, Basename: basename, Slot: slot, Version: parts[1], Revision: parts[2]}, nil
}

// Publisher uploads artifacts and merges them into the channel index.
type Publisher struct {
	Store   ObjectStore
	Channel pkgindex.Channel
	Metrics *Metrics
}

// Publish uploads every archive in dir for target and records them in the
// target's index. It returns the index entries that were written.
func (p *Publisher) Publish(ctx context.Context, t Target, dir string) ([]pkgindex.Package, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifacts: %w", err)
	}
	var artifacts []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		a, err := ParseArtifact(filepath.Join(dir, e.Name()))
		if errors.Is(err, ErrBadArtifactName) && !strings.Contains(e.Name(), ".tar") {
			continue
		}
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoArtifacts)
	}

	platform := t.IndexPlatform()
	var pkgs []pkgindex.Package
	for _, a := range artifacts {
		pkg, err := p.upload(ctx, platform, t, a)
		if err != nil {
			return nil, err
		}
		p.Metrics.artifactPublished(platform)
		pkgs = append(pkgs, pkg)
	}

	if err := p.mergeIndex(ctx, platform, pkgs); err != nil {
		return nil, err
	}
	return pkgs, nil
}

func (p *Publisher) upload(ctx context.Context, platform string, t Target, a Artifact) (pkgindex.Package, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return pkgindex.Package{}, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return pkgindex.Package{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return pkgindex.Package{}, err
	}

	key := path.Join("archive", platform, filepath.Base(a.Path))
	logging.Packages("uploading %s (%d bytes)", key, size)
	if err := p.Store.Put(ctx, key, f, size, "application/octet-stream"); err != nil {
		return pkgindex.Package{}, err
	}
	return pkgindex.Package{
		Basename:     a.Basename,
		Slot:         a.Slot,
		Name:         a.Basename + "-" + a.Slot,
		Version:      a.Version,
		Revision:     a.Revision,
		Architecture: t.Arch,
		InstallRef:   "/" + key,
		SHA256:       hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// mergeIndex replaces entries with the same name, version and revision and
// keeps the index sorted newest first.
func (p *Publisher) mergeIndex(ctx context.Context, platform string, pkgs []pkgindex.Package) error {
	key := pkgindex.IndexURL(IndexPrefix, platform, p.Channel)

	idx := &pkgindex.Index{}
	data, err := p.Store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrObjectNotFound):
	case err != nil:
		return fmt.Errorf("failed to load index %s: %w", key, err)
	default:
		if idx, err = pkgindex.ParseIndex(data); err != nil {
			return fmt.Errorf("index %s: %w", key, err)
		}
	}

	same := func(a, b pkgindex.Package) bool {
		return a.Name == b.Name && a.Version == b.Version && a.Revision == b.Revision && a.Architecture == b.Architecture
	}
	merged := idx.Packages[:0:0]
	for _, old := range idx.Packages {
		replaced := false
		for _, n := range pkgs {
			if same(old, n) {
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, old)
		}
	}
	merged = append(merged, pkgs...)
	sort.SliceStable(merged, func(i, j int) bool {
		vi, erri := pkgindex.ParseVersion(merged[i].Version)
		vj, errj := pkgindex.ParseVersion(merged[j].Version)
		if erri != nil || errj != nil {
			return erri == nil && errj != nil
		}
		if c := vi.Compare(vj); c != 0 {
			return c > 0
		}
		return merged[i].Revision > merged[j].Revision
	})

	body, err := json.MarshalIndent(pkgindex.Index{Packages: merged}, "", "  ")
	if err != nil {
		return err
	}
	logging.Packages("writing index %s (%d packages)", key, len(merged))
	return p.Store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json")
}
