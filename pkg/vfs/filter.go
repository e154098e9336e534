package vfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Filter selects children of a folder by name. Predicates are combined
// left to right with And (the default) or Or; Not negates the next
// predicate only.
//
//	NewFilter(dir).Starts("IMG_").Or().Ends(".jpg").Not().Glob("*.tmp").Apply(ctx)
type Filter struct {
	folder Folder
	match  func(string) bool
	or     bool
	not    bool
	err    error
}

// NewFilter returns a filter over folder's children. Without predicates
// it matches every child.
func NewFilter(folder Folder) *Filter {
	return &Filter{folder: folder}
}

// Starts matches names with prefix.
func (f *Filter) Starts(prefix string) *Filter {
	return f.add(func(n string) bool { return strings.HasPrefix(n, prefix) })
}

// Ends matches names with suffix.
func (f *Filter) Ends(suffix string) *Filter {
	return f.add(func(n string) bool { return strings.HasSuffix(n, suffix) })
}

// StartsEnds matches names with both prefix and suffix.
func (f *Filter) StartsEnds(prefix, suffix string) *Filter {
	return f.add(func(n string) bool {
		return strings.HasPrefix(n, prefix) && strings.HasSuffix(n, suffix)
	})
}

// Glob matches names against a shell pattern such as "*.{mp3,flac}".
func (f *Filter) Glob(pattern string) *Filter {
	g, err := glob.Compile(pattern)
	if err != nil {
		if f.err == nil {
			f.err = fmt.Errorf("bad glob %q: %w", pattern, err)
		}
		f.not = false
		return f
	}
	return f.add(g.Match)
}

// And combines the next predicate with a logical and.
func (f *Filter) And() *Filter {
	f.or = false
	return f
}

// Or combines the next predicate with a logical or.
func (f *Filter) Or() *Filter {
	f.or = true
	return f
}

// Not negates the next predicate.
func (f *Filter) Not() *Filter {
	f.not = true
	return f
}

func (f *Filter) add(p func(string) bool) *Filter {
	if f.not {
		inner := p
		p = func(n string) bool { return !inner(n) }
		f.not = false
	}

	prev := f.match
	switch {
	case prev == nil:
		f.match = p
	case f.or:
		f.match = func(n string) bool { return prev(n) || p(n) }
	default:
		f.match = func(n string) bool { return prev(n) && p(n) }
	}
	return f
}

// Match reports whether name passes the filter.
func (f *Filter) Match(name string) bool {
	return f.match == nil || f.match(name)
}

// Apply lists the folder and returns the matching children.
func (f *Filter) Apply(ctx context.Context) ([]Resource, error) {
	if f.err != nil {
		return nil, f.err
	}
	children, err := f.folder.Children(ctx)
	if err != nil || f.match == nil {
		return children, err
	}

	var out []Resource
	for _, c := range children {
		if f.match(c.Name()) {
			out = append(out, c)
		}
	}
	return out, nil
}
