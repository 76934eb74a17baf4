// Package pkgindex parses server versions and reads the package index that
// lists installable server builds per platform and channel.
package pkgindex

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Stage is the release stage of a version. Stages order as
// dev < alpha < beta < rc < final.
type Stage int

const (
	StageDev Stage = iota
	StageAlpha
	StageBeta
	StageRC
	StageFinal
)

var stageNames = map[Stage]string{
	StageDev:   "dev",
	StageAlpha: "alpha",
	StageBeta:  "beta",
	StageRC:    "rc",
	StageFinal: "final",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

var stageAliases = map[string]Stage{
	"dev": StageDev, "alpha": StageAlpha, "a": StageAlpha,
	"beta": StageBeta, "b": StageBeta, "rc": StageRC,
}

// Version is a server version such as 1.2, 1.0-beta.2 or
// 2.0-dev.6132+g3fb9b0b.
type Version struct {
	Major   int
	Minor   int
	Stage   Stage
	StageNo int
	// Local is the build metadata after '+', kept for display only.
	Local string
}

var versionRe = regexp.MustCompile(`^(\d+)(?:\.(\d+))?(?:-?(dev|alpha|beta|rc|a|b)\.?(\d+))?(?:\+([0-9A-Za-z.\-]+))?$`)

// ParseVersion parses s. Accepted forms: 1, 1.2, 1.0-alpha.7, 1.0a7,
// 1.0-beta.2, 1.0b2, 1.0-rc.1, 1.0rc1, 2.0-dev.6132+g3fb9b0b.
func ParseVersion(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	v := Version{Stage: StageFinal, Local: m[5]}
	v.Major, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		v.Minor, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		v.Stage = stageAliases[m[3]]
		v.StageNo, _ = strconv.Atoi(m[4])
	}
	return v, nil
}

// MustParseVersion is ParseVersion that panics on error.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d", v.Major, v.Minor)
	if v.Stage != StageFinal {
		s += fmt.Sprintf("-%s.%d", v.Stage, v.StageNo)
	}
	if v.Local != "" {
		s += "+" + v.Local
	}
	return s
}

// Compare returns -1, 0 or 1. Local metadata is ignored.
func (v Version) Compare(o Version) int {
	for _, d := range [...]int{
		v.Major - o.Major,
		v.Minor - o.Minor,
		int(v.Stage) - int(o.Stage),
		v.StageNo - o.StageNo,
	} {
		switch {
		case d < 0:
			return -1
		case d > 0:
			return 1
		}
	}
	return 0
}

func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// Slot is the installation slot: 1 for stable 1.x, 1-beta2 for
// pre-releases and 2-dev for nightlies.
func (v Version) Slot() string {
	switch v.Stage {
	case StageFinal:
		return strconv.Itoa(v.Major)
	case StageDev:
		return fmt.Sprintf("%d-dev", v.Major)
	default:
		return fmt.Sprintf("%d-%s%d", v.Major, v.Stage, v.StageNo)
	}
}

func (v Version) IsNightly() bool { return v.Stage == StageDev }

func (v Version) IsStable() bool { return v.Stage == StageFinal }

// CompatibleWith reports whether data directories of v and o share an
// on-disk format: both stable releases of the same major version.
func (v Version) CompatibleWith(o Version) bool {
	return v.IsStable() && o.IsStable() && v.Major == o.Major
}
