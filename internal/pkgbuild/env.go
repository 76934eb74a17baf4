package pkgbuild

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"edgecli/internal/pkgindex"

	"github.com/joho/godotenv"
)

// Env is the pipeline configuration taken from PKG_* variables.
type Env struct {
	Name            string
	Revision        string
	Subdist         string
	Platform        string
	PlatformVersion string
	VersionSlot     string
	// TestJobs is the test parallelism; 0 lets the test script decide.
	TestJobs           int
	ExtraOptimizations bool
	BuildGeneric       bool
}

// LoadEnv reads .env files and then the process environment; process
// variables win over file values.
func LoadEnv(files ...string) (*Env, error) {
	vars := map[string]string{}
	if len(files) > 0 {
		read, err := godotenv.Read(files...)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file: %w", err)
		}
		vars = read
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && isPipelineVar(k) {
			vars[k] = v
		}
	}
	return ParseEnv(vars)
}

var pipelineVars = []string{
	"PKG_NAME", "PKG_REVISION", "PKG_SUBDIST", "PKG_PLATFORM",
	"PKG_PLATFORM_VERSION", "PKG_VERSION_SLOT", "PKG_TEST_JOBS",
	"EXTRA_OPTIMIZATIONS", "BUILD_GENERIC",
}

func isPipelineVar(k string) bool {
	for _, v := range pipelineVars {
		if v == k {
			return true
		}
	}
	return false
}

// ParseEnv builds an Env from variables.
func ParseEnv(vars map[string]string) (*Env, error) {
	e := &Env{
		Name:            vars["PKG_NAME"],
		Revision:        vars["PKG_REVISION"],
		Subdist:         vars["PKG_SUBDIST"],
		Platform:        vars["PKG_PLATFORM"],
		PlatformVersion: vars["PKG_PLATFORM_VERSION"],
		VersionSlot:     vars["PKG_VERSION_SLOT"],
	}
	if e.Name == "" {
		e.Name = "edgedb-server"
	}
	if _, err := pkgindex.ParseChannel(e.Subdist); err != nil {
		return nil, fmt.Errorf("PKG_SUBDIST: %w", err)
	}
	if e.PlatformVersion != "" && e.Platform == "" {
		return nil, fmt.Errorf("PKG_PLATFORM_VERSION requires PKG_PLATFORM")
	}
	if s := vars["PKG_TEST_JOBS"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("PKG_TEST_JOBS: expected a non-negative integer, got %q", s)
		}
		e.TestJobs = n
	}
	var err error
	if e.ExtraOptimizations, err = parseFlag(vars, "EXTRA_OPTIMIZATIONS"); err != nil {
		return nil, err
	}
	if e.BuildGeneric, err = parseFlag(vars, "BUILD_GENERIC"); err != nil {
		return nil, err
	}
	return e, nil
}

func parseFlag(vars map[string]string, key string) (bool, error) {
	switch strings.ToLower(vars[key]) {
	case "", "0", "false", "no", "off":
		return false, nil
	case "1", "true", "yes", "on":
		return true, nil
	}
	return false, fmt.Errorf("%s: expected a boolean, got %q", key, vars[key])
}

// Channel is the package channel selected by PKG_SUBDIST.
func (e *Env) Channel() pkgindex.Channel {
	ch, _ := pkgindex.ParseChannel(e.Subdist)
	return ch
}

// Select narrows targets by PKG_PLATFORM and PKG_PLATFORM_VERSION.
func (e *Env) Select(targets []Target) []Target {
	var out []Target
	for _, t := range targets {
		if e.Platform != "" && t.Platform != e.Platform {
			continue
		}
		if e.PlatformVersion != "" && t.Version != e.PlatformVersion {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Vars returns the variables handed to a job for target.
func (e *Env) Vars(t Target) map[string]string {
	vars := map[string]string{
		"PKG_NAME":             e.Name,
		"PKG_PLATFORM":         t.Platform,
		"PKG_PLATFORM_VERSION": t.Version,
		"PKG_FAMILY":           string(t.Family),
		"PKG_ARCH":             t.Arch,
	}
	if e.Revision != "" {
		vars["PKG_REVISION"] = e.Revision
	}
	if e.Subdist != "" {
		vars["PKG_SUBDIST"] = e.Subdist
	}
	if e.VersionSlot != "" {
		vars["PKG_VERSION_SLOT"] = e.VersionSlot
	}
	if e.TestJobs > 0 {
		vars["PKG_TEST_JOBS"] = strconv.Itoa(e.TestJobs)
	}
	if e.ExtraOptimizations {
		vars["EXTRA_OPTIMIZATIONS"] = "true"
	}
	if e.BuildGeneric || (t.Generic() && t.Family == FamilyLinux) {
		vars["BUILD_GENERIC"] = "true"
	}
	return vars
}

// environ renders vars as sorted KEY=VALUE pairs.
func environ(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
