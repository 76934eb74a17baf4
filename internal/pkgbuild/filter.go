package pkgbuild

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter selects targets with a boolean expression over platform,
// version, arch, family and name, e.g.
//
//	family == "linux" && arch != "aarch64"
type Filter struct {
	source  string
	program *vm.Program
}

var (
	filterCacheMu sync.RWMutex
	filterCache   = map[string]*vm.Program{}
)

func filterEnv(t Target) map[string]interface{} {
	return map[string]interface{}{
		"platform": t.Platform,
		"version":  t.Version,
		"arch":     t.Arch,
		"family":   string(t.Family),
		"name":     t.Name(),
		"generic":  t.Generic(),
	}
}

// CompileFilter compiles source. An empty source matches every target.
func CompileFilter(source string) (*Filter, error) {
	if source == "" {
		return &Filter{}, nil
	}

	filterCacheMu.RLock()
	prog, ok := filterCache[source]
	filterCacheMu.RUnlock()
	if ok {
		return &Filter{source: source, program: prog}, nil
	}

	prog, err := expr.Compile(source, expr.Env(filterEnv(Target{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid target filter %q: %w", source, err)
	}

	filterCacheMu.Lock()
	filterCache[source] = prog
	filterCacheMu.Unlock()
	return &Filter{source: source, program: prog}, nil
}

// String returns the filter source.
func (f *Filter) String() string { return f.source }

// Match reports whether t passes the filter.
func (f *Filter) Match(t Target) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, filterEnv(t))
	if err != nil {
		return false, fmt.Errorf("target filter on %s: %w", t.Name(), err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
