package language

import (
	"errors"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
)

// ParseQuery parses source into a query document without schema validation.
// Syntax errors are returned as *Error.
func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		var ge *gqlerror.Error
		if errors.As(err, &ge) {
			return nil, ge
		}
		return nil, &Error{Message: err.Error()}
	}
	return doc, nil
}

// MustParseQuery is like ParseQuery but panics on error. Intended for tests
// and static queries.
func MustParseQuery(source string) *QueryDocument {
	doc, err := ParseQuery(source)
	if err != nil {
		panic(err)
	}
	return doc
}

// OperationName returns the operation's name or "" for anonymous operations.
func OperationName(op *OperationDefinition) string {
	if op == nil {
		return ""
	}
	return op.Name
}
