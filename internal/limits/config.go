package limits

import (
	"errors"
	"fmt"
)

// DefaultPaginationArguments are the argument names treated as page sizes
// when Config.PaginationArguments is nil.
var DefaultPaginationArguments = []string{"first", "last"}

// DefaultMaxTraversalDepth bounds recursion over the selection tree when
// Config.MaxTraversalDepth is zero.
const DefaultMaxTraversalDepth = 1000

// Config holds the limits enforced by an Enforcer.
// Zero DepthLimit or NodesLimit disables the corresponding check.
type Config struct {
	DepthLimit int
	NodesLimit int

	// PaginationArguments lists argument names whose integer value multiplies
	// the number of nodes fetched below a field. Nil means
	// DefaultPaginationArguments; an empty non-nil slice disables multiplication.
	PaginationArguments []string

	// MaxTraversalDepth caps how many nested selection sets are walked
	// before giving up with TraversalDepthExceeded.
	MaxTraversalDepth int
}

// Validate reports configuration values that cannot be enforced.
func (c Config) Validate() error {
	var errs []error
	if c.DepthLimit < 0 {
		errs = append(errs, fmt.Errorf("depth limit must not be negative, got %d", c.DepthLimit))
	}
	if c.NodesLimit < 0 {
		errs = append(errs, fmt.Errorf("nodes limit must not be negative, got %d", c.NodesLimit))
	}
	if c.MaxTraversalDepth < 0 {
		errs = append(errs, fmt.Errorf("max traversal depth must not be negative, got %d", c.MaxTraversalDepth))
	}
	for _, name := range c.PaginationArguments {
		if name == "" {
			errs = append(errs, errors.New("pagination argument name must not be empty"))
			break
		}
	}
	return errors.Join(errs...)
}

// withDefaults returns a copy of c with defaults applied. The returned
// PaginationArguments never aliases the caller's slice.
func (c Config) withDefaults() Config {
	if c.PaginationArguments == nil {
		c.PaginationArguments = DefaultPaginationArguments
	}
	c.PaginationArguments = append([]string{}, c.PaginationArguments...)
	if c.MaxTraversalDepth == 0 {
		c.MaxTraversalDepth = DefaultMaxTraversalDepth
	}
	return c
}

type argumentSet map[string]struct{}

func newArgumentSet(names []string) argumentSet {
	s := make(argumentSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s argumentSet) has(name string) bool {
	_, ok := s[name]
	return ok
}
