package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"edgecli/internal/client"
	"edgecli/internal/install"
	"edgecli/internal/pkgindex"
	"edgecli/internal/store"
)

type fakeInstaller struct {
	mu        sync.Mutex
	root      string
	installed map[string]*install.Installation
	calls     []string
}

func newFakeInstaller(root string) *fakeInstaller {
	return &fakeInstaller{root: root, installed: make(map[string]*install.Installation)}
}

func (f *fakeInstaller) Install(_ context.Context, _ *pkgindex.Index, rel pkgindex.Release, force bool) (*install.Installation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slot := rel.Slot
	if slot == "" {
		slot = rel.Parsed.Slot()
	}
	f.calls = append(f.calls, fmt.Sprintf("install %s force=%v", rel.Version, force))
	in := &install.Installation{Slot: slot, Version: rel.Version, Dir: filepath.Join(f.root, slot)}
	f.installed[slot] = in
	return in, nil
}

func (f *fakeInstaller) Installed(slot string) (*install.Installation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.installed[slot]
	if !ok {
		return nil, install.ErrNotInstalled
	}
	return in, nil
}

type fakeIndex struct {
	stable, nightly *pkgindex.Index
}

func pkg(version, slot string) pkgindex.Package {
	return pkgindex.Package{Version: version, Slot: slot, Revision: "r1", InstallRef: version + ".tar.zst"}
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		stable: &pkgindex.Index{Packages: []pkgindex.Package{
			pkg("1.0", "1"), pkg("1.3", "1"), pkg("2.0", "2"), pkg("2.1", "2"),
		}},
		nightly: &pkgindex.Index{Packages: []pkgindex.Package{
			pkg("3.0-dev.90", "3-dev"), pkg("3.0-dev.100", "3-dev"),
		}},
	}
}

func (f *fakeIndex) Index(_ context.Context, ch pkgindex.Channel) (*pkgindex.Index, error) {
	if ch == pkgindex.ChannelNightly {
		return f.nightly, nil
	}
	return f.stable, nil
}

type fakeSupervisor struct {
	mu            sync.Mutex
	runtimeDir    string
	running       map[string]bool
	events        []string
	failStartWith string
}

func newFakeSupervisor(runtimeDir string) *fakeSupervisor {
	return &fakeSupervisor{runtimeDir: runtimeDir, running: make(map[string]bool)}
}

func (f *fakeSupervisor) record(format string, args ...interface{}) {
	f.events = append(f.events, fmt.Sprintf(format, args...))
}

func (f *fakeSupervisor) Bootstrap(_ context.Context, rec *store.InstanceRecord, binary, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("bootstrap %s %s", rec.Name, binary)
	return os.WriteFile(filepath.Join(rec.DataDir, "bootstrapped"), []byte(rec.Version), 0o600)
}

func (f *fakeSupervisor) Start(_ context.Context, rec *store.InstanceRecord, binary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStartWith != "" && binary == f.failStartWith {
		f.record("start-failed %s %s", rec.Name, binary)
		return errors.New("server crashed")
	}
	f.record("start %s %s", rec.Name, binary)
	f.running[rec.Name] = true
	return nil
}

func (f *fakeSupervisor) Stop(_ context.Context, rec *store.InstanceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[rec.Name] {
		f.record("stop %s", rec.Name)
	}
	f.running[rec.Name] = false
	return nil
}

func (f *fakeSupervisor) Running(rec *store.InstanceRecord) (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[rec.Name] {
		return true, 4242
	}
	return false, 0
}

func (f *fakeSupervisor) RuntimeFiles(rec *store.InstanceRecord) []string {
	return []string{filepath.Join(f.runtimeDir, rec.Name+".pid")}
}

func (f *fakeSupervisor) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeBackup struct {
	mu          sync.Mutex
	dumped      []string
	restored    []string
	failRestore bool
}

func (f *fakeBackup) DumpAll(_ context.Context, creds *client.Credentials, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dumped = append(f.dumped, dir)
	for _, db := range []string{"app", "edgedb"} {
		if err := os.WriteFile(dumpPath(dir, db), []byte(creds.Password), 0o600); err != nil {
			return nil, err
		}
	}
	return []string{"app", "edgedb"}, nil
}

func (f *fakeBackup) RestoreAll(_ context.Context, _ *client.Credentials, dir string, dbs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRestore {
		return errors.New("restore exploded")
	}
	for _, db := range dbs {
		if _, err := os.Stat(dumpPath(dir, db)); err != nil {
			return err
		}
		f.restored = append(f.restored, db)
	}
	return nil
}
