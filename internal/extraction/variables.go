package extraction

import "strings"

// CanonicalName returns a variable name the way it appears as a table
// column: trimmed, inner whitespace collapsed, upper-cased.
func CanonicalName(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}

// ParseVariables turns a comma-separated list of variable names into specs.
// Names are canonicalized and empty entries dropped, so "size,, country"
// yields SIZE and COUNTRY.
func ParseVariables(list string) []VariableSpec {
	var specs []VariableSpec
	for _, part := range strings.Split(list, ",") {
		name := CanonicalName(part)
		if name == "" {
			continue
		}
		specs = append(specs, VariableSpec{Name: name})
	}
	return specs
}
