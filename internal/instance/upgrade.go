package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"edgecli/internal/edgeql"
	"edgecli/internal/install"
	"edgecli/internal/pkgindex"
	"edgecli/internal/store"

	"golang.org/x/sync/errgroup"
)

// ErrUpgradeOptions is returned for invalid flag combinations.
var ErrUpgradeOptions = errors.New("invalid upgrade options")

// UpgradeMode selects the upgrade target.
type UpgradeMode int

const (
	UpgradeToLatest UpgradeMode = iota + 1
	UpgradeToNightly
	UpgradeLocalMinor
)

func (m UpgradeMode) String() string {
	switch m {
	case UpgradeToLatest:
		return "to-latest"
	case UpgradeToNightly:
		return "to-nightly"
	case UpgradeLocalMinor:
		return "local-minor"
	}
	return "none"
}

// UpgradeOptions mirror the flags of instance upgrade.
type UpgradeOptions struct {
	// Name is empty to upgrade every instance.
	Name       string
	ToLatest   bool
	ToNightly  bool
	LocalMinor bool
	// Force dumps and restores even for compatible versions and
	// reinstalls when already at the target.
	Force   bool
	Verbose bool
}

// Mode validates the flag combination. With a name and no mode flag the
// upgrade goes to the latest stable release; without a name only
// --local-minor and --to-latest are accepted.
func (o UpgradeOptions) Mode() (UpgradeMode, error) {
	n := 0
	for _, b := range []bool{o.ToLatest, o.ToNightly, o.LocalMinor} {
		if b {
			n++
		}
	}
	if n > 1 {
		return 0, fmt.Errorf("%w: only one of --to-latest, --to-nightly and --local-minor may be given", ErrUpgradeOptions)
	}
	switch {
	case o.LocalMinor:
		return UpgradeLocalMinor, nil
	case o.ToNightly:
		if o.Name == "" {
			return 0, fmt.Errorf("%w: --to-nightly requires an instance name", ErrUpgradeOptions)
		}
		return UpgradeToNightly, nil
	case o.ToLatest:
		return UpgradeToLatest, nil
	case o.Name == "":
		return 0, fmt.Errorf("%w: give an instance name, --to-latest or --local-minor", ErrUpgradeOptions)
	}
	return UpgradeToLatest, nil
}

// UpgradeResult reports what happened to one instance.
type UpgradeResult struct {
	Instance string
	From     string
	To       string
	// Method is "in-place" or "dump-restore" when an upgrade ran.
	Method   string
	UpToDate bool
	Skipped  string
}

func (r UpgradeResult) String() string {
	switch {
	case r.Skipped != "":
		return fmt.Sprintf("%s: skipped, %s", r.Instance, r.Skipped)
	case r.UpToDate:
		return fmt.Sprintf("%s: already up to date (%s)", r.Instance, r.From)
	}
	return fmt.Sprintf("%s: upgraded %s -> %s (%s)", r.Instance, r.From, r.To, r.Method)
}

const maxParallelUpgrades = 4

// Upgrade upgrades one instance, or every instance when o.Name is empty.
// Several instances are upgraded in parallel.
func (m *Manager) Upgrade(ctx context.Context, o UpgradeOptions) ([]UpgradeResult, error) {
	mode, err := o.Mode()
	if err != nil {
		return nil, err
	}

	var recs []*store.InstanceRecord
	if o.Name != "" {
		rec, err := m.get(ctx, o.Name)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	} else if recs, err = m.store.ListInstances(ctx); err != nil {
		return nil, err
	}

	ch := pkgindex.ChannelStable
	if mode == UpgradeToNightly {
		ch = pkgindex.ChannelNightly
	}
	idx, err := m.opts.Index.Index(ctx, ch)
	if err != nil {
		return nil, err
	}

	results := make([]UpgradeResult, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUpgrades)
	for i, rec := range recs {
		g.Go(func() error {
			if o.Name == "" && mode != UpgradeToNightly && rec.Channel == string(pkgindex.ChannelNightly) {
				results[i] = UpgradeResult{Instance: rec.Name, From: rec.Version, Skipped: "nightly instance"}
				return nil
			}
			res, err := m.upgradeOne(gctx, rec, mode, idx, o.Force, m.stepper(rec.Name, o.Verbose))
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

func (m *Manager) upgradeOne(ctx context.Context, rec *store.InstanceRecord, mode UpgradeMode, idx *pkgindex.Index, force bool, step func(string, ...interface{})) (UpgradeResult, error) {
	res := UpgradeResult{Instance: rec.Name, From: rec.Version}
	cur, err := pkgindex.ParseVersion(rec.Version)
	if err != nil {
		return res, fmt.Errorf("instance %s: %w", rec.Name, err)
	}

	var target pkgindex.Release
	switch mode {
	case UpgradeLocalMinor:
		if cur.IsNightly() {
			res.Skipped = "nightly builds have no minor releases"
			return res, nil
		}
		target, err = idx.LatestMinor(cur.Major)
		if errors.Is(err, pkgindex.ErrNoRelease) {
			res.UpToDate = true
			step("already up to date")
			return res, nil
		}
	case UpgradeToNightly:
		target, err = idx.LatestNightly()
	default:
		target, err = idx.LatestStable()
	}
	if err != nil {
		return res, err
	}
	res.To = target.Version

	newer := target.Parsed.Compare(cur) > 0
	switching := cur.IsNightly() != target.Parsed.IsNightly()
	if !newer && !switching && !force {
		res.UpToDate = true
		step("already up to date (%s)", rec.Version)
		return res, nil
	}

	oldInst, err := m.opts.Installer.Installed(rec.Slot)
	if err != nil {
		return res, fmt.Errorf("instance %s: %w", rec.Name, err)
	}
	step("installing %s", target.Version)
	newInst, err := m.opts.Installer.Install(ctx, idx, target, force)
	if err != nil {
		return res, err
	}

	wasRunning, _ := m.opts.Supervisor.Running(rec)
	if err := m.store.SetInstanceStatus(ctx, rec.Name, store.StatusUpgrading); err != nil {
		return res, err
	}

	ch := pkgindex.ChannelStable
	if target.Parsed.IsNightly() {
		ch = pkgindex.ChannelNightly
	}
	next := *rec
	next.Version = target.Version
	next.Slot = newInst.Slot
	next.Channel = string(ch)
	next.Status = store.StatusStopped
	if wasRunning {
		next.Status = store.StatusRunning
	}

	if cur.CompatibleWith(target.Parsed) && !force {
		res.Method = "in-place"
		err = m.upgradeInPlace(ctx, rec, &next, oldInst, newInst, wasRunning, step)
	} else {
		res.Method = "dump-restore"
		err = m.upgradeDumpRestore(ctx, rec, &next, oldInst, newInst, wasRunning, step)
	}
	if err != nil {
		return res, err
	}
	*rec = next
	step("upgraded to %s", target.Version)
	return res, nil
}

// upgradeInPlace switches binaries and keeps the data directory.
func (m *Manager) upgradeInPlace(ctx context.Context, rec, next *store.InstanceRecord, oldInst, newInst *install.Installation, wasRunning bool, step func(string, ...interface{})) error {
	sup := m.opts.Supervisor
	if wasRunning {
		step("stopping server")
		if err := sup.Stop(ctx, rec); err != nil {
			return m.restoreStatus(ctx, rec, err)
		}
		step("starting %s", next.Version)
		if err := sup.Start(ctx, next, newInst.ServerBinary()); err != nil {
			step("start failed, reverting to %s", rec.Version)
			sup.Start(context.WithoutCancel(ctx), rec, oldInst.ServerBinary())
			return m.restoreStatus(ctx, rec, err)
		}
	}
	return m.store.UpdateInstance(ctx, next)
}

// upgradeDumpRestore dumps every database, moves the data directory aside,
// bootstraps the new version and restores. Any failure after the move puts
// the old data directory and version back.
func (m *Manager) upgradeDumpRestore(ctx context.Context, rec, next *store.InstanceRecord, oldInst, newInst *install.Installation, wasRunning bool, step func(string, ...interface{})) error {
	sup := m.opts.Supervisor
	creds, err := m.Credentials(rec.Name)
	if err != nil {
		return m.restoreStatus(ctx, rec, err)
	}

	if !wasRunning {
		step("starting %s to dump data", rec.Version)
		if err := sup.Start(ctx, rec, oldInst.ServerBinary()); err != nil {
			return m.restoreStatus(ctx, rec, err)
		}
	}

	dumpDir := filepath.Join(m.opts.DataDir, "upgrade", rec.Name)
	os.RemoveAll(dumpDir)
	if err := os.MkdirAll(dumpDir, 0o700); err != nil {
		return m.restoreStatus(ctx, rec, err)
	}
	step("dumping databases to %s", dumpDir)
	dbs, err := m.opts.Backup.DumpAll(ctx, creds, dumpDir)
	if err != nil {
		if !wasRunning {
			sup.Stop(context.WithoutCancel(ctx), rec)
		}
		return m.restoreStatus(ctx, rec, fmt.Errorf("dump failed: %w", err))
	}

	step("stopping server")
	if err := sup.Stop(ctx, rec); err != nil {
		return m.restoreStatus(ctx, rec, err)
	}

	backupDir := rec.DataDir + ".backup"
	os.RemoveAll(backupDir)
	step("moving data directory to %s", backupDir)
	if err := os.Rename(rec.DataDir, backupDir); err != nil {
		return m.restoreStatus(ctx, rec, err)
	}

	rollback := func(cause error) error {
		rctx := context.WithoutCancel(ctx)
		step("upgrade failed, restoring %s from backup", rec.Version)
		sup.Stop(rctx, next)
		os.RemoveAll(rec.DataDir)
		if err := os.Rename(backupDir, rec.DataDir); err != nil {
			return fmt.Errorf("%w (backup left at %s: %v)", cause, backupDir, err)
		}
		if wasRunning {
			sup.Start(rctx, rec, oldInst.ServerBinary())
		}
		return m.restoreStatus(rctx, rec, cause)
	}

	if err := os.MkdirAll(rec.DataDir, 0o700); err != nil {
		return rollback(err)
	}
	step("initializing data directory for %s", next.Version)
	script := "ALTER ROLE edgedb { SET password := " + edgeql.QuoteString(creds.Password) + " };"
	if err := sup.Bootstrap(ctx, next, newInst.ServerBinary(), script); err != nil {
		return rollback(fmt.Errorf("bootstrap failed: %w", err))
	}
	step("starting %s", next.Version)
	if err := sup.Start(ctx, next, newInst.ServerBinary()); err != nil {
		return rollback(err)
	}
	step("restoring %d databases", len(dbs))
	if err := m.opts.Backup.RestoreAll(ctx, creds, dumpDir, dbs); err != nil {
		return rollback(fmt.Errorf("restore failed: %w", err))
	}
	if err := m.store.UpdateInstance(ctx, next); err != nil {
		return rollback(err)
	}

	if !wasRunning {
		step("stopping server")
		sup.Stop(ctx, next)
	}
	step("removing backup")
	os.RemoveAll(backupDir)
	os.RemoveAll(dumpDir)
	return nil
}

// restoreStatus puts rec's previous row back and returns cause.
func (m *Manager) restoreStatus(ctx context.Context, rec *store.InstanceRecord, cause error) error {
	if err := m.store.UpdateInstance(context.WithoutCancel(ctx), rec); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
