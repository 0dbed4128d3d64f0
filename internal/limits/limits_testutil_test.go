package limits

import (
	"testing"

	language "github.com/hanpama/gqlguard/internal/language"
)

// mustParseQuery parses a GraphQL query and fails the test on error.
func mustParseQuery(t *testing.T, q string) *language.QueryDocument {
	t.Helper()
	d, err := language.ParseQuery(q)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	return d
}

// firstOperation parses q and returns its first operation with the fragment index.
func firstOperation(t *testing.T, q string) (*language.OperationDefinition, Fragments) {
	t.Helper()
	doc := mustParseQuery(t, q)
	if len(doc.Operations) == 0 {
		t.Fatalf("no operation in %q", q)
	}
	return doc.Operations[0], IndexFragments(doc)
}
