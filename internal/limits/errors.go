package limits

import (
	"errors"
	"fmt"
)

// Kind classifies why a document was refused.
type Kind int

const (
	// DepthLimitReached: an operation nests selections deeper than Config.DepthLimit.
	DepthLimitReached Kind = iota + 1
	// NodesLimitReached: an operation projects more fetched nodes than Config.NodesLimit.
	NodesLimitReached
	// MissingVariableValue: a pagination argument references an unbound variable.
	MissingVariableValue
	// InvalidVariableValue: a pagination argument's variable is not an integer.
	InvalidVariableValue
	// FragmentCycleDetected: a fragment spreads itself, directly or transitively.
	FragmentCycleDetected
	// TraversalDepthExceeded: the selection tree is deeper than Config.MaxTraversalDepth.
	TraversalDepthExceeded
)

func (k Kind) String() string {
	switch k {
	case DepthLimitReached:
		return "DepthLimitReached"
	case NodesLimitReached:
		return "NodesLimitReached"
	case MissingVariableValue:
		return "MissingVariableValue"
	case InvalidVariableValue:
		return "InvalidVariableValue"
	case FragmentCycleDetected:
		return "FragmentCycleDetected"
	case TraversalDepthExceeded:
		return "TraversalDepthExceeded"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Code returns the value used for extensions.code in GraphQL error responses.
func (k Kind) Code() string {
	switch k {
	case DepthLimitReached:
		return "DEPTH_LIMIT_REACHED"
	case NodesLimitReached:
		return "NODES_LIMIT_REACHED"
	case MissingVariableValue:
		return "MISSING_VARIABLE_VALUE"
	case InvalidVariableValue:
		return "INVALID_VARIABLE_VALUE"
	case FragmentCycleDetected:
		return "FRAGMENT_CYCLE_DETECTED"
	case TraversalDepthExceeded:
		return "TRAVERSAL_DEPTH_EXCEEDED"
	default:
		return "QUERY_LIMITS"
	}
}

// IsLimit reports whether k is a cost-limit violation. The remaining kinds
// describe malformed requests and should be surfaced as validation failures.
func (k Kind) IsLimit() bool {
	switch k {
	case DepthLimitReached, NodesLimitReached, TraversalDepthExceeded:
		return true
	}
	return false
}

// Error is returned by the analyzers and the Enforcer.
type Error struct {
	Kind Kind
	// Operation is the offending operation's name, empty for anonymous operations.
	Operation string
	// Value is the computed depth or node count for limit kinds.
	Value int
	// Limit is the configured limit that was exceeded.
	Limit int
	// Name is the variable or fragment the failure refers to.
	Name string
	Err  error
}

func (e *Error) Error() string {
	op := e.Operation
	if op == "" {
		op = "anonymous operation"
	} else {
		op = fmt.Sprintf("operation %q", op)
	}
	switch e.Kind {
	case DepthLimitReached:
		return fmt.Sprintf("limits: %s depth %d exceeds limit %d", op, e.Value, e.Limit)
	case NodesLimitReached:
		return fmt.Sprintf("limits: %s fetches %d nodes, limit is %d", op, e.Value, e.Limit)
	case MissingVariableValue:
		return fmt.Sprintf("limits: %s: no value provided for variable $%s", op, e.Name)
	case InvalidVariableValue:
		if e.Err != nil {
			return fmt.Sprintf("limits: %s: variable $%s is not an integer: %v", op, e.Name, e.Err)
		}
		return fmt.Sprintf("limits: %s: variable $%s is not an integer", op, e.Name)
	case FragmentCycleDetected:
		return fmt.Sprintf("limits: %s: fragment %q spreads itself", op, e.Name)
	case TraversalDepthExceeded:
		return fmt.Sprintf("limits: %s nests deeper than %d levels", op, e.Limit)
	}
	return fmt.Sprintf("limits: %s: %s", op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrDepthLimitReached      = &Error{Kind: DepthLimitReached}
	ErrNodesLimitReached      = &Error{Kind: NodesLimitReached}
	ErrMissingVariableValue   = &Error{Kind: MissingVariableValue}
	ErrInvalidVariableValue   = &Error{Kind: InvalidVariableValue}
	ErrFragmentCycleDetected  = &Error{Kind: FragmentCycleDetected}
	ErrTraversalDepthExceeded = &Error{Kind: TraversalDepthExceeded}
)

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}
