package filtering

import (
	"fmt"

	"github.com/gobwas/glob"
)

// KeyFilter matches keys against compiled include and exclude patterns
type KeyFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewKeyFilter compiles the given patterns. Empty patterns are ignored.
func NewKeyFilter(include, exclude []string) (*KeyFilter, error) {
	inc, err := compileAll(include)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	exc, err := compileAll(exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	return &KeyFilter{include: inc, exclude: exc}, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Match reports whether key is selected. A nil filter selects everything.
func (f *KeyFilter) Match(key string) bool {
	if f == nil {
		return true
	}
	for _, g := range f.exclude {
		if g.Match(key) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(key) {
			return true
		}
	}
	return false
}

// Empty reports whether the filter has no patterns
func (f *KeyFilter) Empty() bool {
	return f == nil || (len(f.include) == 0 && len(f.exclude) == 0)
}
