package limits

import language "github.com/hanpama/gqlguard/internal/language"

// FetchCount estimates how many nodes op would fetch. A field without a
// selection set is scalar data on an already counted node and contributes 0.
// A field with a selection set counts the sum of its children, or 1 when they
// are all scalars, multiplied by its first pagination argument. Sibling
// fields add; nested pagination multiplies.
//
// paginationArgs nil means DefaultPaginationArguments.
func FetchCount(op *language.OperationDefinition, fragments Fragments, paginationArgs []string, variables map[string]any) (int, error) {
	if paginationArgs == nil {
		paginationArgs = DefaultPaginationArguments
	}
	w := newWalker(fragments, newArgumentSet(paginationArgs), variables, DefaultMaxTraversalDepth)
	return w.operationCount(op)
}

func (w *walker) operationCount(op *language.OperationDefinition) (int, error) {
	if op.SelectionSet == nil {
		return 0, nil
	}
	n, err := w.setCount(op.SelectionSet)
	if err != nil {
		return 0, err
	}
	return max(n, 1), nil
}

func (w *walker) setCount(set language.SelectionSet) (int, error) {
	total := 0
	for _, sel := range set {
		var (
			n   int
			err error
		)
		switch s := sel.(type) {
		case *language.Field:
			n, err = w.fieldCount(s)
		case *language.FragmentSpread:
			n, err = w.spreadCount(s)
		case *language.InlineFragment:
			n, err = w.inlineCount(s)
		default:
			continue
		}
		if err != nil {
			return 0, err
		}
		total = addSat(total, n)
	}
	return total, nil
}

func (w *walker) fieldCount(f *language.Field) (int, error) {
	// A nil selection set is a leaf. An empty non-nil one still counts the
	// node itself before pagination applies.
	if f.SelectionSet == nil {
		return 0, nil
	}
	if err := w.descend(); err != nil {
		return 0, err
	}
	defer w.ascend()

	n, err := w.setCount(f.SelectionSet)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		n = 1
	}
	m, ok, err := w.pageSize(f.Arguments)
	if err != nil {
		return 0, err
	}
	if ok {
		n = mulSat(n, m)
	}
	return n, nil
}

func (w *walker) spreadCount(s *language.FragmentSpread) (int, error) {
	def, err := w.enterFragment(s)
	if err != nil || def == nil {
		return 0, err
	}
	defer w.leaveFragment(def)
	return w.setCount(def.SelectionSet)
}

func (w *walker) inlineCount(f *language.InlineFragment) (int, error) {
	if err := w.descend(); err != nil {
		return 0, err
	}
	defer w.ascend()
	return w.setCount(f.SelectionSet)
}
