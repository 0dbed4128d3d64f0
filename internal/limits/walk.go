package limits

import (
	"math"

	language "github.com/hanpama/gqlguard/internal/language"
)

// walker carries the per-document state shared by the depth and fetch-count
// passes. Spreads are resolved through fragments; onPath holds the fragments
// being expanded on the current recursion path.
type walker struct {
	fragments  Fragments
	pagination argumentSet
	variables  map[string]any
	maxLevel   int

	level  int
	onPath map[string]struct{}
}

func newWalker(fragments Fragments, pagination argumentSet, variables map[string]any, maxLevel int) *walker {
	if maxLevel <= 0 {
		maxLevel = DefaultMaxTraversalDepth
	}
	return &walker{
		fragments:  fragments,
		pagination: pagination,
		variables:  variables,
		maxLevel:   maxLevel,
		onPath:     make(map[string]struct{}),
	}
}

func (w *walker) descend() error {
	w.level++
	if w.level > w.maxLevel {
		return &Error{Kind: TraversalDepthExceeded, Limit: w.maxLevel}
	}
	return nil
}

func (w *walker) ascend() { w.level-- }

// enterFragment resolves a spread. It returns nil for spreads naming unknown
// fragments, which contribute nothing.
func (w *walker) enterFragment(spread *language.FragmentSpread) (*language.FragmentDefinition, error) {
	def := w.fragments[spread.Name]
	if def == nil {
		return nil, nil
	}
	if _, ok := w.onPath[def.Name]; ok {
		return nil, &Error{Kind: FragmentCycleDetected, Name: def.Name}
	}
	if err := w.descend(); err != nil {
		return nil, err
	}
	w.onPath[def.Name] = struct{}{}
	return def, nil
}

func (w *walker) leaveFragment(def *language.FragmentDefinition) {
	delete(w.onPath, def.Name)
	w.ascend()
}

func addSat(a, b int) int {
	if a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}

func mulSat(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxInt/b {
		return math.MaxInt
	}
	return a * b
}
