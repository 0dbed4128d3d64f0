package limits

import language "github.com/hanpama/gqlguard/internal/language"

// Fragments maps fragment names to their definitions within one document.
type Fragments map[string]*language.FragmentDefinition

// IndexFragments builds the fragment index of doc. When a name is defined
// twice the last definition wins.
func IndexFragments(doc *language.QueryDocument) Fragments {
	if doc == nil {
		return Fragments{}
	}
	idx := make(Fragments, len(doc.Fragments))
	for _, f := range doc.Fragments {
		idx[f.Name] = f
	}
	return idx
}
