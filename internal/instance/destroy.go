package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// DestroyOptions mirror the flags of instance destroy.
type DestroyOptions struct {
	// Force destroys instances that projects are still linked to.
	Force   bool
	Verbose bool
}

// Destroy stops the instance and removes its data directory, credentials,
// runtime files, project links and registry row.
func (m *Manager) Destroy(ctx context.Context, name string, o DestroyOptions) error {
	rec, err := m.get(ctx, name)
	if err != nil {
		return err
	}
	step := m.stepper(name, o.Verbose)

	projects, err := m.store.ProjectsFor(ctx, name)
	if err != nil {
		return err
	}
	if len(projects) > 0 && !o.Force {
		paths := make([]string, len(projects))
		for i, p := range projects {
			paths[i] = p.Path
		}
		return fmt.Errorf("%w: %s (use --force to destroy anyway)", ErrReferencedByProject, strings.Join(paths, ", "))
	}

	if running, pid := m.opts.Supervisor.Running(rec); running {
		step("stopping server (pid %d)", pid)
		if err := m.opts.Supervisor.Stop(ctx, rec); err != nil {
			return fmt.Errorf("failed to stop %s: %w", name, err)
		}
	}

	var errs []error
	remove := func(what, path string) {
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return
		}
		step("removing %s %s", what, path)
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
		}
	}
	remove("data directory", rec.DataDir)
	remove("backup", rec.DataDir+".backup")
	remove("credentials", m.credentialsPath(name))
	for _, f := range m.opts.Supervisor.RuntimeFiles(rec) {
		remove("runtime file", f)
	}

	if len(projects) > 0 {
		n, err := m.store.UnlinkInstance(ctx, name)
		if err != nil {
			errs = append(errs, err)
		} else {
			step("unlinked %d projects", n)
		}
	}
	step("removing instance from registry")
	if err := m.store.DeleteInstance(ctx, name); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
