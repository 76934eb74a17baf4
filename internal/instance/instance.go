// Package instance manages local server instances: their registry rows,
// installed versions, data directories, credentials and processes.
package instance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"edgecli/internal/client"
	"edgecli/internal/edgeql"
	"edgecli/internal/install"
	"edgecli/internal/logging"
	"edgecli/internal/pkgindex"
	"edgecli/internal/store"

	"github.com/google/uuid"
)

var (
	ErrInstanceNotFound    = errors.New("instance not found")
	ErrInstanceExists      = errors.New("instance already exists")
	ErrInvalidName         = errors.New("invalid instance name")
	ErrReferencedByProject = errors.New("instance is used by projects")
	ErrNoFreePort          = errors.New("no free port")
)

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]{0,62}$`)

// Installer installs server versions.
type Installer interface {
	Install(ctx context.Context, idx *pkgindex.Index, rel pkgindex.Release, force bool) (*install.Installation, error)
	Installed(slot string) (*install.Installation, error)
}

// IndexSource returns the package index of a channel.
type IndexSource interface {
	Index(ctx context.Context, ch pkgindex.Channel) (*pkgindex.Index, error)
}

// Supervisor runs server processes.
type Supervisor interface {
	// Bootstrap initializes a fresh data directory and runs script in it.
	Bootstrap(ctx context.Context, rec *store.InstanceRecord, binary, script string) error
	// Start launches the server and waits until it answers.
	Start(ctx context.Context, rec *store.InstanceRecord, binary string) error
	Stop(ctx context.Context, rec *store.InstanceRecord) error
	// Running reports whether the server process is up and its pid.
	Running(rec *store.InstanceRecord) (bool, int)
	// RuntimeFiles lists pid and log files kept for rec.
	RuntimeFiles(rec *store.InstanceRecord) []string
}

// Backup dumps and restores every database of a running instance.
type Backup interface {
	DumpAll(ctx context.Context, creds *client.Credentials, dir string) ([]string, error)
	RestoreAll(ctx context.Context, creds *client.Credentials, dir string, databases []string) error
}

// Options configure a Manager.
type Options struct {
	DataDir        string
	CredentialsDir string
	PortRangeStart int

	Installer  Installer
	Index      IndexSource
	Supervisor Supervisor
	Backup     Backup

	// Out receives verbose step output.
	Out io.Writer
}

// Manager performs instance operations against the state store.
type Manager struct {
	store *store.Store
	opts  Options

	outMu sync.Mutex
}

func NewManager(st *store.Store, opts Options) *Manager {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.PortRangeStart == 0 {
		opts.PortRangeStart = 10700
	}
	return &Manager{store: st, opts: opts}
}

// Info is an instance with its runtime state.
type Info struct {
	*store.InstanceRecord
	Running  bool
	Pid      int
	Projects []string
}

// CreateOptions select what to install.
type CreateOptions struct {
	Name string
	// Version is a version or major ("1", "1.3", "2.0-rc.1"); empty means
	// the latest stable release.
	Version string
	Nightly bool
	// Port 0 allocates the first free port from the configured range.
	Port  int
	Start bool
}

// Create installs the requested version, allocates a port, bootstraps a
// data directory with a generated password and registers the instance.
func (m *Manager) Create(ctx context.Context, o CreateOptions) (*store.InstanceRecord, error) {
	log := logging.Get(logging.CategoryInstance)
	if !nameRe.MatchString(o.Name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, o.Name)
	}
	if _, err := m.store.GetInstance(ctx, o.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrInstanceExists, o.Name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	ch := pkgindex.ChannelStable
	if o.Nightly {
		ch = pkgindex.ChannelNightly
	}
	idx, err := m.opts.Index.Index(ctx, ch)
	if err != nil {
		return nil, err
	}
	var rel pkgindex.Release
	switch {
	case o.Version != "":
		rel, err = idx.Find(o.Version)
	case o.Nightly:
		rel, err = idx.LatestNightly()
	default:
		rel, err = idx.LatestStable()
	}
	if err != nil {
		return nil, err
	}
	inst, err := m.opts.Installer.Install(ctx, idx, rel, false)
	if err != nil {
		return nil, err
	}

	port := o.Port
	if port == 0 {
		if port, err = m.freePort(ctx); err != nil {
			return nil, err
		}
	}

	rec := &store.InstanceRecord{
		ID:      uuid.NewString(),
		Name:    o.Name,
		Version: rel.Version,
		Slot:    inst.Slot,
		Channel: string(ch),
		Port:    port,
		DataDir: m.dataDir(o.Name),
	}
	if err := os.MkdirAll(rec.DataDir, 0o700); err != nil {
		return nil, err
	}

	password, err := generatePassword()
	if err != nil {
		return nil, err
	}
	script := "ALTER ROLE edgedb { SET password := " + edgeql.QuoteString(password) + " };"
	if err := m.opts.Supervisor.Bootstrap(ctx, rec, inst.ServerBinary(), script); err != nil {
		os.RemoveAll(rec.DataDir)
		return nil, fmt.Errorf("failed to bootstrap %s: %w", o.Name, err)
	}
	creds := &client.Credentials{Host: "localhost", Port: port, User: "edgedb", Password: password, Database: "edgedb"}
	if err := client.WriteCredentials(m.credentialsPath(o.Name), creds); err != nil {
		os.RemoveAll(rec.DataDir)
		return nil, err
	}
	if err := m.store.CreateInstance(ctx, rec); err != nil {
		os.RemoveAll(rec.DataDir)
		os.Remove(m.credentialsPath(o.Name))
		return nil, err
	}
	log.Info("created instance %s (%s) on port %d", rec.Name, rec.Version, rec.Port)

	if o.Start {
		if err := m.Start(ctx, o.Name); err != nil {
			return rec, err
		}
		rec.Status = store.StatusRunning
	}
	return rec, nil
}

// List returns every instance with its runtime state.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	recs, err := m.store.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(recs))
	for _, rec := range recs {
		info, err := m.info(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Status returns one instance with its runtime state.
func (m *Manager) Status(ctx context.Context, name string) (Info, error) {
	rec, err := m.get(ctx, name)
	if err != nil {
		return Info{}, err
	}
	return m.info(ctx, rec)
}

func (m *Manager) info(ctx context.Context, rec *store.InstanceRecord) (Info, error) {
	running, pid := m.opts.Supervisor.Running(rec)
	projects, err := m.store.ProjectsFor(ctx, rec.Name)
	if err != nil {
		return Info{}, err
	}
	info := Info{InstanceRecord: rec, Running: running, Pid: pid}
	for _, p := range projects {
		info.Projects = append(info.Projects, p.Path)
	}
	return info, nil
}

// Start launches the instance's server.
func (m *Manager) Start(ctx context.Context, name string) error {
	rec, err := m.get(ctx, name)
	if err != nil {
		return err
	}
	if running, _ := m.opts.Supervisor.Running(rec); running {
		return nil
	}
	inst, err := m.opts.Installer.Installed(rec.Slot)
	if err != nil {
		return fmt.Errorf("instance %s: %w", name, err)
	}
	if err := m.opts.Supervisor.Start(ctx, rec, inst.ServerBinary()); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	logging.Instance("started %s on port %d", name, rec.Port)
	return m.store.SetInstanceStatus(ctx, name, store.StatusRunning)
}

// Stop stops the instance's server.
func (m *Manager) Stop(ctx context.Context, name string) error {
	rec, err := m.get(ctx, name)
	if err != nil {
		return err
	}
	if err := m.opts.Supervisor.Stop(ctx, rec); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	logging.Instance("stopped %s", name)
	return m.store.SetInstanceStatus(ctx, name, store.StatusStopped)
}

func (m *Manager) Restart(ctx context.Context, name string) error {
	if err := m.Stop(ctx, name); err != nil {
		return err
	}
	return m.Start(ctx, name)
}

// Link links the project at path to instance.
func (m *Manager) Link(ctx context.Context, path, name string) error {
	if _, err := m.get(ctx, name); err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	return m.store.LinkProject(ctx, abs, name)
}

// Unlink removes the project link of path.
func (m *Manager) Unlink(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	return m.store.UnlinkProject(ctx, abs)
}

// ProjectOf returns the instance linked to the project at path.
func (m *Manager) ProjectOf(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return m.store.ProjectInstance(ctx, abs)
}

func (m *Manager) ProjectsFor(ctx context.Context, name string) ([]store.ProjectRecord, error) {
	return m.store.ProjectsFor(ctx, name)
}

// Credentials returns the stored credentials of name.
func (m *Manager) Credentials(name string) (*client.Credentials, error) {
	return client.ReadCredentials(m.credentialsPath(name))
}

func (m *Manager) get(ctx context.Context, name string) (*store.InstanceRecord, error) {
	rec, err := m.store.GetInstance(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, name)
	}
	return rec, err
}

func (m *Manager) freePort(ctx context.Context) (int, error) {
	used, err := m.store.UsedPorts(ctx)
	if err != nil {
		return 0, err
	}
	for p := m.opts.PortRangeStart; p < 65536; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, ErrNoFreePort
}

func (m *Manager) dataDir(name string) string {
	return filepath.Join(m.opts.DataDir, "instances", name)
}

func (m *Manager) credentialsPath(name string) string {
	return client.CredentialsPath(m.opts.CredentialsDir, name)
}

// stepper prints verbose progress lines prefixed with the instance name.
func (m *Manager) stepper(name string, verbose bool) func(format string, args ...interface{}) {
	log := logging.Get(logging.CategoryInstance)
	return func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		log.Info("%s: %s", name, msg)
		if !verbose {
			return
		}
		m.outMu.Lock()
		fmt.Fprintf(m.opts.Out, "[%s] %s\n", name, msg)
		m.outMu.Unlock()
	}
}

func generatePassword() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
