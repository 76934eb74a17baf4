package pkgbuild

import (
	"errors"
	"fmt"
)

// ErrEmptyPlan is returned when no target survives narrowing and filtering.
var ErrEmptyPlan = errors.New("no package targets selected")

// JobKind is a pipeline stage.
type JobKind string

const (
	JobBuild   JobKind = "build"
	JobTest    JobKind = "test"
	JobPublish JobKind = "publish"
)

// Job is one unit of the pipeline.
type Job struct {
	ID     string
	Kind   JobKind
	Target Target
	Needs  []string
	Vars   map[string]string
}

// Plan is the ordered job graph for a set of targets.
type Plan struct {
	Env     *Env
	Targets []Target
	// Jobs are in dependency order: every job comes after its needs.
	Jobs []Job
}

func jobID(kind JobKind, t Target) string {
	return string(kind) + "-" + t.Name()
}

// NewPlan narrows targets by env, applies filter and lays out build, test
// and publish jobs. Every publish job waits for all test jobs so nothing
// is published unless the whole matrix passed.
func NewPlan(env *Env, targets []Target, filter *Filter) (*Plan, error) {
	var selected []Target
	for _, t := range env.Select(targets) {
		ok, err := filter.Match(t)
		if err != nil {
			return nil, err
		}
		if ok {
			selected = append(selected, t)
		}
	}
	if len(selected) == 0 {
		return nil, ErrEmptyPlan
	}

	p := &Plan{Env: env, Targets: selected}
	var tests []string
	for _, t := range selected {
		vars := env.Vars(t)
		build := jobID(JobBuild, t)
		test := jobID(JobTest, t)
		p.Jobs = append(p.Jobs,
			Job{ID: build, Kind: JobBuild, Target: t, Vars: vars},
			Job{ID: test, Kind: JobTest, Target: t, Needs: []string{build}, Vars: vars},
		)
		tests = append(tests, test)
	}
	for _, t := range selected {
		p.Jobs = append(p.Jobs, Job{
			ID:     jobID(JobPublish, t),
			Kind:   JobPublish,
			Target: t,
			Needs:  append([]string(nil), tests...),
			Vars:   env.Vars(t),
		})
	}
	return p, nil
}

// Job returns the job with id.
func (p *Plan) Job(id string) (Job, bool) {
	for _, j := range p.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

// Subset returns a plan holding only the named jobs and everything they
// depend on.
func (p *Plan) Subset(ids ...string) (*Plan, error) {
	keep := map[string]bool{}
	var visit func(id string) error
	visit = func(id string) error {
		if keep[id] {
			return nil
		}
		j, ok := p.Job(id)
		if !ok {
			return fmt.Errorf("unknown job %q", id)
		}
		keep[id] = true
		for _, n := range j.Needs {
			if err := visit(n); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	out := &Plan{Env: p.Env}
	seen := map[string]bool{}
	for _, j := range p.Jobs {
		if !keep[j.ID] {
			continue
		}
		out.Jobs = append(out.Jobs, j)
		if name := j.Target.Name(); !seen[name] {
			seen[name] = true
			out.Targets = append(out.Targets, j.Target)
		}
	}
	return out, nil
}

// Only returns a plan with just the named jobs; needs outside the set are
// dropped. CI uses it to run one job whose dependencies ran elsewhere.
func (p *Plan) Only(ids ...string) (*Plan, error) {
	keep := map[string]bool{}
	for _, id := range ids {
		if _, ok := p.Job(id); !ok {
			return nil, fmt.Errorf("unknown job %q", id)
		}
		keep[id] = true
	}
	out := &Plan{Env: p.Env}
	seen := map[string]bool{}
	for _, j := range p.Jobs {
		if !keep[j.ID] {
			continue
		}
		var needs []string
		for _, n := range j.Needs {
			if keep[n] {
				needs = append(needs, n)
			}
		}
		j.Needs = needs
		out.Jobs = append(out.Jobs, j)
		if name := j.Target.Name(); !seen[name] {
			seen[name] = true
			out.Targets = append(out.Targets, j.Target)
		}
	}
	return out, nil
}
