// Package pkgbuild plans, renders, runs and publishes the server package
// pipeline: build, test and publish jobs for every platform target.
package pkgbuild

import "strings"

// Family groups targets that share build tooling.
type Family string

const (
	FamilyLinux Family = "linux"
	FamilyMacOS Family = "macos"
)

// Target is one platform/version/architecture combination.
type Target struct {
	Platform string `json:"platform" yaml:"platform"`
	// Version is the distribution release; empty for generic builds.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Arch    string `json:"arch" yaml:"arch"`
	Family  Family `json:"family" yaml:"family"`
	Runner  string `json:"runner" yaml:"runner"`
}

// Name identifies the target in job ids and artifact paths, e.g.
// debian-buster-x86_64 or macos-aarch64.
func (t Target) Name() string {
	parts := []string{t.Platform}
	if t.Version != "" {
		parts = append(parts, t.Version)
	}
	parts = append(parts, t.Arch)
	return strings.Join(parts, "-")
}

// Generic reports whether the target builds distribution-independent
// packages.
func (t Target) Generic() bool {
	return t.Version == ""
}

// IndexPlatform is the package index the target publishes to: the
// platform triple for generic and macOS builds, the target name for
// distribution packages.
func (t Target) IndexPlatform() string {
	switch {
	case t.Family == FamilyMacOS:
		return t.Arch + "-apple-darwin"
	case t.Generic():
		return t.Arch + "-unknown-linux-gnu"
	}
	return t.Name()
}

func linux(platform, version, arch string) Target {
	runner := "ubuntu-latest"
	if arch == "aarch64" {
		runner = "ubuntu-22.04-arm"
	}
	return Target{Platform: platform, Version: version, Arch: arch, Family: FamilyLinux, Runner: runner}
}

// DefaultTargets is the built-in matrix.
func DefaultTargets() []Target {
	return []Target{
		linux("debian", "buster", "x86_64"),
		linux("debian", "bullseye", "x86_64"),
		linux("ubuntu", "bionic", "x86_64"),
		linux("ubuntu", "focal", "x86_64"),
		linux("centos", "7", "x86_64"),
		linux("centos", "8", "x86_64"),
		linux("linux", "", "x86_64"),
		linux("linux", "", "aarch64"),
		{Platform: "macos", Arch: "x86_64", Family: FamilyMacOS, Runner: "macos-13"},
		{Platform: "macos", Arch: "aarch64", Family: FamilyMacOS, Runner: "macos-14"},
	}
}
