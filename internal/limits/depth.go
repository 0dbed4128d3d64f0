package limits

import language "github.com/hanpama/gqlguard/internal/language"

// MaxDepth returns the deepest field nesting reachable from op. A top-level
// leaf field has depth 1 and every nested field level adds 1. Fragment spreads
// and inline fragments do not add a level of their own.
func MaxDepth(op *language.OperationDefinition, fragments Fragments) (int, error) {
	w := newWalker(fragments, nil, nil, DefaultMaxTraversalDepth)
	return w.operationDepth(op)
}

func (w *walker) operationDepth(op *language.OperationDefinition) (int, error) {
	d, err := w.setDepth(op.SelectionSet, 0)
	if err != nil {
		return 0, err
	}
	return max(d, 1), nil
}

// setDepth returns the deepest level reached by the fields of set, which sit
// at parent+1. It returns parent when set contributes no fields.
func (w *walker) setDepth(set language.SelectionSet, parent int) (int, error) {
	deepest := parent
	for _, sel := range set {
		var (
			d   int
			err error
		)
		switch s := sel.(type) {
		case *language.Field:
			d, err = w.fieldDepth(s, parent)
		case *language.FragmentSpread:
			d, err = w.spreadDepth(s, parent)
		case *language.InlineFragment:
			d, err = w.inlineDepth(s, parent)
		default:
			continue
		}
		if err != nil {
			return 0, err
		}
		deepest = max(deepest, d)
	}
	return deepest, nil
}

func (w *walker) fieldDepth(f *language.Field, parent int) (int, error) {
	depth := parent + 1
	if len(f.SelectionSet) == 0 {
		return depth, nil
	}
	if err := w.descend(); err != nil {
		return 0, err
	}
	defer w.ascend()
	d, err := w.setDepth(f.SelectionSet, depth)
	if err != nil {
		return 0, err
	}
	return max(depth, d), nil
}

func (w *walker) spreadDepth(s *language.FragmentSpread, parent int) (int, error) {
	def, err := w.enterFragment(s)
	if err != nil || def == nil {
		return parent, err
	}
	defer w.leaveFragment(def)
	return w.setDepth(def.SelectionSet, parent)
}

func (w *walker) inlineDepth(f *language.InlineFragment, parent int) (int, error) {
	if err := w.descend(); err != nil {
		return 0, err
	}
	defer w.ascend()
	return w.setDepth(f.SelectionSet, parent)
}
