package pkgbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"edgecli/internal/logging"

	"golang.org/x/sync/errgroup"
)

var (
	ErrJobsFailed       = errors.New("pipeline jobs failed")
	ErrDependencyFailed = errors.New("dependency did not succeed")
)

// Status is a job outcome.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Result is the outcome of one job.
type Result struct {
	Job      Job
	Status   Status
	Duration time.Duration
	Err      error
}

// Report holds results in plan order.
type Report struct {
	Results []Result
}

// Result returns the result for job id.
func (r *Report) Result(id string) (Result, bool) {
	for _, res := range r.Results {
		if res.Job.ID == id {
			return res, true
		}
	}
	return Result{}, false
}

// Failed returns the failed jobs.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}

// Executor runs a single job.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job Job) error { return f(ctx, job) }

// Runner executes a plan in dependency order.
type Runner struct {
	Executor Executor
	// Parallel bounds concurrently running jobs; <= 0 means 1.
	Parallel int
	Metrics  *Metrics
}

// Run executes every job once its needs succeeded. A failed job skips
// everything that depends on it; unrelated jobs keep running. The report
// is always returned; the error wraps ErrJobsFailed when any job failed.
func (r *Runner) Run(ctx context.Context, plan *Plan) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryPackages, "pipeline")
	defer timer.Stop()

	parallel := r.Parallel
	if parallel <= 0 {
		parallel = 1
	}

	results := make([]Result, len(plan.Jobs))
	done := make(map[string]chan struct{}, len(plan.Jobs))
	index := make(map[string]int, len(plan.Jobs))
	for i, j := range plan.Jobs {
		done[j.ID] = make(chan struct{})
		index[j.ID] = i
		results[i] = Result{Job: j}
	}

	// Jobs are queued in plan order, so a job holding a slot only ever
	// waits on jobs that were queued before it.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, j := range plan.Jobs {
		i, j := i, j
		g.Go(func() error {
			defer close(done[j.ID])
			results[i] = r.runOne(gctx, j, func(id string) (Status, bool, error) {
				ch, ok := done[id]
				if !ok {
					return StatusSucceeded, true, nil
				}
				select {
				case <-ch:
					return results[index[id]].Status, true, nil
				case <-gctx.Done():
					return "", false, gctx.Err()
				}
			})
			r.Metrics.observe(results[i])
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{Results: results}
	if failed := report.Failed(); len(failed) > 0 {
		ids := make([]string, len(failed))
		for i, f := range failed {
			ids[i] = f.Job.ID
		}
		return report, fmt.Errorf("%w: %s", ErrJobsFailed, strings.Join(ids, ", "))
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Runner) runOne(ctx context.Context, j Job, wait func(id string) (Status, bool, error)) Result {
	res := Result{Job: j}
	for _, need := range j.Needs {
		status, ok, err := wait(need)
		if !ok {
			res.Status, res.Err = StatusSkipped, err
			return res
		}
		if status != StatusSucceeded {
			res.Status, res.Err = StatusSkipped, fmt.Errorf("%w: %s", ErrDependencyFailed, need)
			logging.Get(logging.CategoryPackages).Warn("skipping %s: %s %s", j.ID, need, status)
			return res
		}
	}
	if err := ctx.Err(); err != nil {
		res.Status, res.Err = StatusSkipped, err
		return res
	}

	logging.Packages("running %s", j.ID)
	start := time.Now()
	err := r.Executor.Execute(ctx, j)
	res.Duration = time.Since(start)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		logging.Get(logging.CategoryPackages).Error("%s failed after %s: %v", j.ID, res.Duration, err)
		return res
	}
	res.Status = StatusSucceeded
	logging.Packages("%s succeeded in %s", j.ID, res.Duration)
	return res
}

// DefaultCommands are the shell commands LocalExecutor runs per stage.
var DefaultCommands = map[JobKind]string{
	JobBuild: `./integration/${PKG_FAMILY}/build.sh`,
	JobTest:  `./integration/${PKG_FAMILY}/test.sh`,
}

// LocalExecutor runs build and test jobs as shell commands in Dir and hands
// publish jobs to Publisher.
type LocalExecutor struct {
	Dir          string
	Commands     map[JobKind]string
	ArtifactsDir string
	Publisher    *Publisher
	Stdout       io.Writer
	Stderr       io.Writer
}

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, j Job) error {
	artifacts := filepath.Join(e.ArtifactsDir, j.Target.Name())
	if j.Kind == JobPublish {
		if e.Publisher == nil {
			return fmt.Errorf("%s: no publisher configured", j.ID)
		}
		_, err := e.Publisher.Publish(ctx, j.Target, artifacts)
		return err
	}

	commands := e.Commands
	if commands == nil {
		commands = DefaultCommands
	}
	script, ok := commands[j.Kind]
	if !ok {
		return fmt.Errorf("%s: no command for %s jobs", j.ID, j.Kind)
	}
	if err := os.MkdirAll(artifacts, 0755); err != nil {
		return err
	}
	abs, err := filepath.Abs(artifacts)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), environ(j.Vars)...)
	cmd.Env = append(cmd.Env, "PKG_ARTIFACTS_DIR="+abs, "PKG_JOB="+j.ID)
	cmd.Stdout = orDiscard(e.Stdout)
	cmd.Stderr = orDiscard(e.Stderr)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", j.ID, err)
	}
	return nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
