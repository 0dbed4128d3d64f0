package limits

import language "github.com/hanpama/gqlguard/internal/language"

// ApplyDefaults returns variables completed with the default values declared
// by doc's operations. Provided values win, including explicit nulls, then the
// defaults of selected, then those of the other operations in document order.
// selected may be nil. variables is not modified.
func ApplyDefaults(doc *language.QueryDocument, selected *language.OperationDefinition, variables map[string]any) map[string]any {
	out := make(map[string]any, len(variables))
	for k, v := range variables {
		out[k] = v
	}
	if doc == nil {
		return out
	}
	fill := func(op *language.OperationDefinition) {
		for _, def := range op.VariableDefinitions {
			if def.DefaultValue == nil {
				continue
			}
			if _, ok := out[def.Variable]; ok {
				continue
			}
			if v, err := def.DefaultValue.Value(nil); err == nil {
				out[def.Variable] = v
			}
		}
	}
	if selected != nil {
		fill(selected)
	}
	for _, op := range doc.Operations {
		if op != selected {
			fill(op)
		}
	}
	return out
}
