package pkgbuild

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgecli/internal/pkgindex"
)

func linuxPlan(t *testing.T) *Plan {
	t.Helper()
	f, err := CompileFilter(`platform == "linux"`)
	require.NoError(t, err)
	plan, err := NewPlan(mustEnv(t, nil), DefaultTargets(), f)
	require.NoError(t, err)
	return plan
}

func statuses(r *Report) map[string]Status {
	out := map[string]Status{}
	for _, res := range r.Results {
		out[res.Job.ID] = res.Status
	}
	return out
}

func TestRunner_DependencyOrder(t *testing.T) {
	plan := linuxPlan(t)

	var mu sync.Mutex
	finished := map[string]bool{}
	exec := ExecutorFunc(func(ctx context.Context, j Job) error {
		mu.Lock()
		defer mu.Unlock()
		for _, n := range j.Needs {
			if !finished[n] {
				return errors.New(j.ID + " ran before " + n)
			}
		}
		finished[j.ID] = true
		return nil
	})

	metrics := NewMetrics()
	report, err := (&Runner{Executor: exec, Parallel: 3, Metrics: metrics}).Run(context.Background(), plan)
	require.NoError(t, err)
	for id, st := range statuses(report) {
		assert.Equal(t, StatusSucceeded, st, id)
	}

	path := filepath.Join(t.TempDir(), "pkg.prom")
	require.NoError(t, metrics.WriteTextfile(path))
	text, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(text), `edgecli_pkg_jobs_total{kind="build",status="succeeded"} 2`)
	assert.Contains(t, string(text), `edgecli_pkg_jobs_total{kind="publish",status="succeeded"} 2`)
	assert.Contains(t, string(text), `edgecli_pkg_job_duration_seconds_count{kind="test",target="linux-aarch64"} 1`)
}

func TestRunner_FailureSkipsDependants(t *testing.T) {
	plan := linuxPlan(t)
	boom := errors.New("compiler crashed")
	exec := ExecutorFunc(func(ctx context.Context, j Job) error {
		if j.ID == "build-linux-aarch64" {
			return boom
		}
		return nil
	})

	metrics := NewMetrics()
	report, err := (&Runner{Executor: exec, Parallel: 2, Metrics: metrics}).Run(context.Background(), plan)
	require.ErrorIs(t, err, ErrJobsFailed)
	assert.Contains(t, err.Error(), "build-linux-aarch64")

	want := map[string]Status{
		"build-linux-x86_64":    StatusSucceeded,
		"test-linux-x86_64":     StatusSucceeded,
		"build-linux-aarch64":   StatusFailed,
		"test-linux-aarch64":    StatusSkipped,
		"publish-linux-x86_64":  StatusSkipped,
		"publish-linux-aarch64": StatusSkipped,
	}
	if diff := cmp.Diff(want, statuses(report)); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}

	res, ok := report.Result("build-linux-aarch64")
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, boom)
	res, _ = report.Result("publish-linux-x86_64")
	assert.ErrorIs(t, res.Err, ErrDependencyFailed)
	assert.Len(t, report.Failed(), 1)
}

func TestRunner_BoundedParallelism(t *testing.T) {
	plan, err := NewPlan(mustEnv(t, nil), DefaultTargets(), nil)
	require.NoError(t, err)

	var running, peak atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, j Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	_, err = (&Runner{Executor: exec, Parallel: 3}).Run(context.Background(), plan)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestRunner_CancelledContext(t *testing.T) {
	plan := linuxPlan(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, j Job) error {
		calls.Add(1)
		return nil
	})
	report, err := (&Runner{Executor: exec}).Run(ctx, plan)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls.Load())
	for _, res := range report.Results {
		assert.Equal(t, StatusSkipped, res.Status)
	}
}

func TestLocalExecutor_RunsShellWithJobEnv(t *testing.T) {
	plan := linuxPlan(t)
	job, ok := plan.Job("build-linux-x86_64")
	require.True(t, ok)

	var stdout bytes.Buffer
	e := &LocalExecutor{
		Dir:          t.TempDir(),
		ArtifactsDir: filepath.Join(t.TempDir(), "artifacts"),
		Commands: map[JobKind]string{
			JobBuild: `echo "$PKG_JOB $PKG_PLATFORM $PKG_ARCH $BUILD_GENERIC" && touch "$PKG_ARTIFACTS_DIR/done"`,
			JobTest:  `exit 3`,
		},
		Stdout: &stdout,
	}
	require.NoError(t, e.Execute(context.Background(), job))
	assert.Equal(t, "build-linux-x86_64 linux x86_64 true\n", stdout.String())
	assert.FileExists(t, filepath.Join(e.ArtifactsDir, "linux-x86_64", "done"))

	test, _ := plan.Job("test-linux-x86_64")
	assert.Error(t, e.Execute(context.Background(), test))

	publish, _ := plan.Job("publish-linux-x86_64")
	assert.ErrorContains(t, e.Execute(context.Background(), publish), "no publisher")
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return data, nil
}

func writeArtifact(t *testing.T, dir, name, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func TestParseArtifact(t *testing.T) {
	name, err := ArtifactFileName("edgedb-server", "3.0-dev.6132", "202210150000")
	require.NoError(t, err)
	assert.Equal(t, "edgedb-server-3-dev_3.0-dev.6132_202210150000.tar.zst", name)

	a, err := ParseArtifact("/out/" + name)
	require.NoError(t, err)
	assert.Equal(t, Artifact{
		Path: "/out/" + name, Basename: "edgedb-server", Slot: "3-dev",
		Version: "3.0-dev.6132", Revision: "202210150000",
	}, a)

	for _, bad := range []string{
		"edgedb-server-1_1.0.tar.zst",
		"edgedb-server-2_1.0_r1.tar.zst",
		"edgedb-server-1_1.0_r1.zip",
		"edgedb-server-1_nope_r1.tar",
	} {
		_, err := ParseArtifact(bad)
		assert.Error(t, err, bad)
	}
}

func TestPublisher_UploadsAndMergesIndex(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	metrics := NewMetrics()
	pub := &Publisher{Store: store, Channel: pkgindex.ChannelNightly, Metrics: metrics}
	target := Target{Platform: "linux", Arch: "x86_64", Family: FamilyLinux}

	first := filepath.Join(t.TempDir(), "linux-x86_64")
	sum1 := writeArtifact(t, first, "edgedb-server-3-dev_3.0-dev.100_r1.tar.zst", "one")
	writeArtifact(t, first, "SHA256SUMS", "ignored")

	pkgs, err := pub.Publish(ctx, target, first)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "/archive/x86_64-unknown-linux-gnu/edgedb-server-3-dev_3.0-dev.100_r1.tar.zst", pkgs[0].InstallRef)
	assert.Equal(t, sum1, pkgs[0].SHA256)
	assert.Equal(t, []byte("one"), store.objects["archive/x86_64-unknown-linux-gnu/edgedb-server-3-dev_3.0-dev.100_r1.tar.zst"])

	second := filepath.Join(t.TempDir(), "linux-x86_64")
	writeArtifact(t, second, "edgedb-server-3-dev_3.0-dev.101_r1.tar.zst", "two")
	sum3 := writeArtifact(t, second, "edgedb-server-3-dev_3.0-dev.100_r1.tar.zst", "one, rebuilt")
	_, err = pub.Publish(ctx, target, second)
	require.NoError(t, err)

	key := ".jsonindexes/x86_64-unknown-linux-gnu.nightly.json"
	assert.Equal(t, "application/json", store.types[key])
	idx, err := pkgindex.ParseIndex(store.objects[key])
	require.NoError(t, err)
	require.Len(t, idx.Packages, 2)
	assert.Equal(t, "3.0-dev.101", idx.Packages[0].Version)
	assert.Equal(t, "3.0-dev.100", idx.Packages[1].Version)
	assert.Equal(t, sum3, idx.Packages[1].SHA256)
	assert.Equal(t, "edgedb-server-3-dev", idx.Packages[0].Name)
	assert.Equal(t, "x86_64", idx.Packages[0].Architecture)

	// the install side resolves refs against the index location
	idx.BaseURL = "https://packages.example.com/" + key
	rel, err := idx.LatestNightly()
	require.NoError(t, err)
	url, err := idx.DownloadURL(rel.Package)
	require.NoError(t, err)
	assert.Equal(t, "https://packages.example.com/archive/x86_64-unknown-linux-gnu/edgedb-server-3-dev_3.0-dev.101_r1.tar.zst", url)

	path := filepath.Join(t.TempDir(), "pub.prom")
	require.NoError(t, metrics.WriteTextfile(path))
	text, _ := os.ReadFile(path)
	assert.True(t, strings.Contains(string(text), `edgecli_pkg_published_artifacts_total{index="x86_64-unknown-linux-gnu"} 3`))
}

func TestPublisher_Errors(t *testing.T) {
	pub := &Publisher{Store: newMemStore()}
	target := Target{Platform: "macos", Arch: "aarch64", Family: FamilyMacOS}

	empty := t.TempDir()
	_, err := pub.Publish(context.Background(), target, empty)
	assert.ErrorIs(t, err, ErrNoArtifacts)

	bad := t.TempDir()
	writeArtifact(t, bad, "server.tar.zst", "x")
	_, err = pub.Publish(context.Background(), target, bad)
	assert.ErrorIs(t, err, ErrBadArtifactName)

	_, err = pub.Publish(context.Background(), target, filepath.Join(empty, "missing"))
	assert.Error(t, err)
}
