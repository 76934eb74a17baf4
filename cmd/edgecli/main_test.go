package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"edgecli/internal/client"
	"edgecli/internal/config"
	"edgecli/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// execute runs the root command with args against a config in a temp dir.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("EDGECLI_DATA_DIR", dir)
	t.Setenv("EDGECLI_CONFIG", filepath.Join(dir, "config.yaml"))
	t.Cleanup(func() {
		configPath, instanceName, dsn, host, user, database = "", "", "", "", "", ""
		port = 0
		pkgFilter, pkgOutput, pkgCheck = "", "", ""
		pkgEnvFiles, pkgJobs = nil, nil
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	want := map[string][]string{
		"query":     nil,
		"dump":      nil,
		"restore":   nil,
		"configure": {"set", "reset"},
		"instance":  {"create", "list", "status", "start", "stop", "restart", "upgrade", "destroy"},
		"project":   {"init", "unlink", "info"},
		"pkg":       {"plan", "workflow", "build", "publish"},
	}
	for name, subs := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		require.Equal(t, name, cmd.Name())
		for _, sub := range subs {
			c, _, err := rootCmd.Find([]string{name, sub})
			require.NoError(t, err, "%s %s", name, sub)
			assert.Equal(t, sub, c.Name())
		}
	}

	for flag, short := range map[string]string{
		"verbose": "v", "instance": "I", "host": "H", "port": "P", "user": "u", "database": "d",
	} {
		f := rootCmd.PersistentFlags().Lookup(flag)
		require.NotNil(t, f, flag)
		assert.Equal(t, short, f.Shorthand)
	}
	for _, flag := range []string{"config", "dsn", "password-from-stdin", "timeout"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestUpgradeAndDestroyFlags(t *testing.T) {
	for _, flag := range []string{"force", "to-latest", "to-nightly", "local-minor", "verbose"} {
		assert.NotNil(t, instanceUpgradeCmd.Flags().Lookup(flag), flag)
	}
	for _, flag := range []string{"force", "verbose"} {
		assert.NotNil(t, instanceDestroyCmd.Flags().Lookup(flag), flag)
	}
	assert.Equal(t, "v", instanceUpgradeCmd.Flags().Lookup("verbose").Shorthand)
	assert.Contains(t, instanceUpgradeCmd.Flags().Lookup("local-minor").Usage, "latest stable minor")
	assert.NotContains(t, instanceUpgradeCmd.Long, "installed minor")
}

func TestCollectQueries(t *testing.T) {
	got, err := collectQueries([]string{"SELECT 1"}, "", nil, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"SELECT 1"}, got)

	_, err = collectQueries(nil, "", nil, true)
	assert.Error(t, err)

	stdin := strings.NewReader("SELECT 2; SELECT 'a;b';\nSELECT 3")
	got, err = collectQueries([]string{"SELECT 1"}, "-", stdin, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"SELECT 1", "SELECT 2", "SELECT 'a;b'", "SELECT 3"}, got)

	path := filepath.Join(t.TempDir(), "q.graphql")
	require.NoError(t, os.WriteFile(path, []byte("{ User { name } }"), 0644))
	got, err = collectQueries(nil, path, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"{ User { name } }"}, got)
}

func TestConfigureStatements(t *testing.T) {
	assert.Equal(t, "CONFIGURE INSTANCE SET query_work_mem := <cfg::memory>'4MiB';",
		configureSetStatement("query_work_mem", "<cfg::memory>'4MiB'"))
	assert.Equal(t, "CONFIGURE INSTANCE RESET query_work_mem;", configureResetStatement("query_work_mem"))
}

func TestReadPassword_LeavesRestOfInput(t *testing.T) {
	r := strings.NewReader("s3cret\r\nSELECT 1;\n")
	pw, err := readPassword(r)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1;\n", string(rest))

	pw, err = readPassword(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", pw)
}

func TestResolveTarget(t *testing.T) {
	logger = zap.NewNop()
	cfg = config.DefaultConfig()
	cfg.Instances.CredentialsDir = t.TempDir()
	t.Setenv("EDGEDB_DSN", "")
	t.Setenv("EDGEDB_INSTANCE", "")
	defer func() { dsn, instanceName, database, passwordFromStdin = "", "", "", false }()

	require.NoError(t, client.WriteCredentials(client.CredentialsPath(cfg.Instances.CredentialsDir, "app"), &client.Credentials{
		Port: 10701, User: "edgedb", Password: "pw", Database: "edgedb",
	}))

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	// the working directory's project link picks the instance
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, st.LinkProject(ctx, wd, "app"))
	tg, err := resolveTarget(ctx, st, strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "app", tg.Instance)
	assert.Equal(t, "inst:app", tg.HistoryKey)
	assert.Equal(t, 10701, tg.Params.Port)

	dsn = "edgedb://admin@db.example:5000/main"
	database = "other"
	passwordFromStdin = true
	tg, err = resolveTarget(ctx, st, strings.NewReader("hunter2\n"))
	require.NoError(t, err)
	assert.Equal(t, "", tg.Instance)
	assert.Equal(t, "dsn:edgedb://admin@db.example:5000/main", tg.HistoryKey)
	assert.Equal(t, "hunter2", tg.Params.Password)
	assert.Equal(t, "db.example", tg.Params.Host)
}

func TestPkgPlanAndWorkflow(t *testing.T) {
	t.Setenv("PKG_SUBDIST", "nightly")

	out, err := execute(t, "pkg", "plan", "--filter", `family == "macos"`)
	require.NoError(t, err)
	assert.Contains(t, out, "build-macos-x86_64")
	assert.Contains(t, out, "publish-macos-aarch64")
	assert.NotContains(t, out, "debian")

	wf := filepath.Join(t.TempDir(), "nightly.yml")
	_, err = execute(t, "pkg", "workflow", "--filter", `arch == "aarch64" && family == "linux"`, "-o", wf)
	require.NoError(t, err)
	data, err := os.ReadFile(wf)
	require.NoError(t, err)

	var doc struct {
		Name string                 `yaml:"name"`
		Jobs map[string]interface{} `yaml:"jobs"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, "Build, Test and Publish Nightly Packages", doc.Name)
	assert.Contains(t, doc.Jobs, "build-linux-aarch64")
	assert.Contains(t, doc.Jobs, "publish-linux-aarch64")

	out, err = execute(t, "pkg", "workflow", "--filter", `arch == "aarch64" && family == "linux"`, "--check", wf)
	require.NoError(t, err)
	assert.Contains(t, out, "is up to date")

	out, err = execute(t, "pkg", "workflow", "--filter", `family == "linux" && generic`, "--check", wf)
	assert.ErrorContains(t, err, "is out of date")
	assert.Contains(t, out, "+  build-linux-x86_64:")
}

func TestPkgBuild_RunsOnlyRequestedJob(t *testing.T) {
	_, err := execute(t, "pkg", "build", "--filter", `name == "nope"`)
	assert.ErrorContains(t, err, "no package targets selected")

	_, err = execute(t, "pkg", "build", "--job", "build-nowhere")
	assert.ErrorContains(t, err, `unknown job "build-nowhere"`)
}

func TestPkgPublish_NeedsEndpoint(t *testing.T) {
	t.Setenv("EDGECLI_S3_ENDPOINT", "")
	_, err := execute(t, "pkg", "publish", "--target", "linux-x86_64")
	assert.ErrorContains(t, err, "no publish endpoint configured")

	_, err = execute(t, "pkg", "publish", "--target", "plan9-mips")
	assert.ErrorContains(t, err, `unknown target "plan9-mips"`)
}

func TestInstanceAndProjectCommands(t *testing.T) {
	out, err := execute(t, "instance", "list")
	require.NoError(t, err)
	assert.Equal(t, "No instances.\n", out)

	_, err = execute(t, "instance", "status", "ghost")
	assert.ErrorContains(t, err, "instance not found")

	_, err = execute(t, "instance", "upgrade")
	assert.ErrorContains(t, err, "give an instance name")

	_, err = execute(t, "project", "init")
	assert.ErrorContains(t, err, "requires --instance")
}

func TestQuery_RejectsBadOutputFormat(t *testing.T) {
	_, err := execute(t, "query", "--output-format", "xml", "SELECT 1")
	assert.ErrorContains(t, err, `unknown output mode "xml"`)
	outputFormat = "json-pretty"
}
