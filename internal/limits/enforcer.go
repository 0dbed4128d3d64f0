package limits

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
	language "github.com/hanpama/gqlguard/internal/language"
	log "github.com/hanpama/gqlguard/internal/log"
)

// Unmeasured marks an OperationCost metric that was not computed because the
// corresponding limit is disabled.
const Unmeasured = -1

// OperationCost holds the metrics computed for one operation.
type OperationCost struct {
	Name  string             `json:"name,omitempty"`
	Type  language.Operation `json:"type"`
	Depth int                `json:"depth"`
	Nodes int                `json:"nodes"`
}

// Report lists the cost of each operation in document order.
type Report struct {
	Operations []OperationCost `json:"operations"`
}

// MaxDepth returns the largest depth over all measured operations.
func (r *Report) MaxDepth() int {
	d := Unmeasured
	for _, op := range r.Operations {
		d = max(d, op.Depth)
	}
	return d
}

// MaxNodes returns the largest node count over all measured operations.
func (r *Report) MaxNodes() int {
	n := Unmeasured
	for _, op := range r.Operations {
		n = max(n, op.Nodes)
	}
	return n
}

// Enforcer checks documents against a fixed Config. It is safe for
// concurrent use.
type Enforcer struct {
	cfg        Config
	pagination argumentSet
}

// New returns an Enforcer for cfg. cfg is copied; later changes to the
// caller's value have no effect.
func New(cfg Config) *Enforcer {
	cfg = cfg.withDefaults()
	return &Enforcer{cfg: cfg, pagination: newArgumentSet(cfg.PaginationArguments)}
}

// Config returns a copy of the effective configuration.
func (e *Enforcer) Config() Config {
	c := e.cfg
	c.PaginationArguments = append([]string{}, e.cfg.PaginationArguments...)
	return c
}

// CheckDocument returns doc unchanged if every operation in it is within the
// configured limits. Otherwise it returns an *Error for the first violation.
func (e *Enforcer) CheckDocument(ctx context.Context, doc *language.QueryDocument, variables map[string]any) (*language.QueryDocument, error) {
	if _, err := e.Check(ctx, doc, variables); err != nil {
		return nil, err
	}
	return doc, nil
}

// Check enforces the limits like CheckDocument and returns the metrics
// computed so far. On failure the report ends with the offending operation.
// For every operation the node count is checked before the depth, so a
// NodesLimitReached takes precedence when both limits are exceeded.
func (e *Enforcer) Check(ctx context.Context, doc *language.QueryDocument, variables map[string]any) (*Report, error) {
	logger := log.FromContext(ctx).WithName("limits")
	fragments := IndexFragments(doc)
	report := &Report{}
	if doc == nil {
		return report, nil
	}

	for _, op := range doc.Operations {
		cost := OperationCost{Name: op.Name, Type: op.Operation, Depth: Unmeasured, Nodes: Unmeasured}

		if e.cfg.NodesLimit > 0 {
			n, err := e.walker(fragments, variables).operationCount(op)
			if err != nil {
				report.Operations = append(report.Operations, cost)
				return report, e.reject(logger, op, err)
			}
			cost.Nodes = n
			if n > e.cfg.NodesLimit {
				report.Operations = append(report.Operations, cost)
				return report, e.reject(logger, op, &Error{Kind: NodesLimitReached, Value: n, Limit: e.cfg.NodesLimit})
			}
		}

		if e.cfg.DepthLimit > 0 {
			d, err := e.walker(fragments, variables).operationDepth(op)
			if err != nil {
				report.Operations = append(report.Operations, cost)
				return report, e.reject(logger, op, err)
			}
			cost.Depth = d
			if d > e.cfg.DepthLimit {
				report.Operations = append(report.Operations, cost)
				return report, e.reject(logger, op, &Error{Kind: DepthLimitReached, Value: d, Limit: e.cfg.DepthLimit})
			}
		}

		report.Operations = append(report.Operations, cost)
		logger.V(1).Info("operation within limits",
			"operation", op.Name, "type", string(op.Operation),
			"depth", cost.Depth, "nodes", cost.Nodes)
	}
	return report, nil
}

// Analyze computes depth and node count for every operation in doc without
// comparing them against the limits. Fragment cycles, the traversal bound and
// variable errors still fail the analysis.
func (e *Enforcer) Analyze(ctx context.Context, doc *language.QueryDocument, variables map[string]any) (*Report, error) {
	fragments := IndexFragments(doc)
	report := &Report{}
	if doc == nil {
		return report, nil
	}
	for _, op := range doc.Operations {
		n, err := e.walker(fragments, variables).operationCount(op)
		if err != nil {
			return report, withOperation(err, op)
		}
		d, err := e.walker(fragments, variables).operationDepth(op)
		if err != nil {
			return report, withOperation(err, op)
		}
		report.Operations = append(report.Operations, OperationCost{Name: op.Name, Type: op.Operation, Depth: d, Nodes: n})
	}
	log.FromContext(ctx).WithName("limits").V(1).Info("document analyzed", "operations", len(report.Operations))
	return report, nil
}

func (e *Enforcer) walker(fragments Fragments, variables map[string]any) *walker {
	return newWalker(fragments, e.pagination, variables, e.cfg.MaxTraversalDepth)
}

func (e *Enforcer) reject(logger logr.Logger, op *language.OperationDefinition, err error) error {
	err = withOperation(err, op)
	var le *Error
	if errors.As(err, &le) {
		logger.Info("document rejected",
			"operation", le.Operation, "type", string(op.Operation),
			"reason", le.Kind.String(), "value", le.Value, "limit", le.Limit)
	}
	return err
}

func withOperation(err error, op *language.OperationDefinition) error {
	var le *Error
	if errors.As(err, &le) {
		le.Operation = op.Name
	}
	return err
}
