package pkgbuild

import (
	"bytes"
	"fmt"

	"edgecli/internal/pkgindex"

	"gopkg.in/yaml.v3"
)

// WorkflowOptions tune the rendered workflow.
type WorkflowOptions struct {
	// Name defaults to "Build, Test and Publish <Channel> Packages".
	Name string
	// Binary is the command CI invokes for each job; defaults to edgecli.
	Binary string
}

type workflowJob struct {
	Name   string            `yaml:"name"`
	RunsOn string            `yaml:"runs-on"`
	Needs  []string          `yaml:"needs,omitempty"`
	Env    map[string]string `yaml:"env,omitempty"`
	Steps  []workflowStep    `yaml:"steps"`
}

type workflowStep struct {
	Name string            `yaml:"name,omitempty"`
	Uses string            `yaml:"uses,omitempty"`
	With map[string]string `yaml:"with,omitempty"`
	Run  string            `yaml:"run,omitempty"`
	Env  map[string]string `yaml:"env,omitempty"`
}

func artifactName(t Target) string { return "builds-" + t.Name() }

func artifactPath(t Target) string { return "artifacts/" + t.Name() }

func channelTitle(ch pkgindex.Channel) string {
	switch ch {
	case pkgindex.ChannelNightly:
		return "Nightly"
	case pkgindex.ChannelTesting:
		return "Testing"
	}
	return "Release"
}

func triggers(ch pkgindex.Channel) map[string]interface{} {
	on := map[string]interface{}{"workflow_dispatch": map[string]interface{}{}}
	if ch == pkgindex.ChannelNightly {
		on["schedule"] = []map[string]string{{"cron": "0 0 * * *"}}
	}
	return on
}

func (o WorkflowOptions) job(j Job) workflowJob {
	bin := o.Binary
	if bin == "" {
		bin = "edgecli"
	}
	wj := workflowJob{
		Name:   fmt.Sprintf("%s %s", j.Kind, j.Target.Name()),
		RunsOn: j.Target.Runner,
		Needs:  j.Needs,
		Env:    j.Vars,
		Steps:  []workflowStep{{Uses: "actions/checkout@v4"}},
	}
	download := workflowStep{
		Uses: "actions/download-artifact@v4",
		With: map[string]string{"name": artifactName(j.Target), "path": artifactPath(j.Target)},
	}
	switch j.Kind {
	case JobBuild:
		wj.Steps = append(wj.Steps,
			workflowStep{Name: "Build", Run: fmt.Sprintf("%s pkg build --only --job %s", bin, j.ID)},
			workflowStep{
				Uses: "actions/upload-artifact@v4",
				With: map[string]string{"name": artifactName(j.Target), "path": artifactPath(j.Target)},
			},
		)
	case JobTest:
		wj.Steps = append(wj.Steps, download,
			workflowStep{Name: "Test", Run: fmt.Sprintf("%s pkg build --only --job %s", bin, j.ID)},
		)
	case JobPublish:
		wj.Steps = append(wj.Steps, download, workflowStep{
			Name: "Publish",
			Run:  fmt.Sprintf("%s pkg publish --target %s --artifacts artifacts", bin, j.Target.Name()),
			Env: map[string]string{
				"EDGECLI_S3_ENDPOINT":   "${{ secrets.S3_ENDPOINT }}",
				"EDGECLI_S3_ACCESS_KEY": "${{ secrets.S3_ACCESS_KEY }}",
				"EDGECLI_S3_SECRET_KEY": "${{ secrets.S3_SECRET_KEY }}",
			},
		})
	}
	return wj
}

// RenderWorkflow renders plan as a GitHub Actions workflow. Jobs keep plan
// order.
func RenderWorkflow(plan *Plan, opts WorkflowOptions) ([]byte, error) {
	ch := plan.Env.Channel()
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("Build, Test and Publish %s Packages", channelTitle(ch))
	}

	jobs := &yaml.Node{Kind: yaml.MappingNode}
	for _, j := range plan.Jobs {
		var body yaml.Node
		if err := body.Encode(opts.job(j)); err != nil {
			return nil, fmt.Errorf("failed to encode job %s: %w", j.ID, err)
		}
		jobs.Content = append(jobs.Content, scalar(j.ID), &body)
	}

	var on yaml.Node
	if err := on.Encode(triggers(ch)); err != nil {
		return nil, err
	}

	root := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		scalar("name"), scalar(name),
		scalar("on"), &on,
		scalar("jobs"), jobs,
	}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, fmt.Errorf("failed to render workflow: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}
