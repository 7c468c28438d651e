package nl2dax

import "fmt"

// TemplateSuggestions builds schema-derived starter questions without a
// language model. Output is deterministic for a given table set and capped at
// limit entries.
func TemplateSuggestions(tables []TableContext, limit int) []string {
	if limit <= 0 {
		limit = 5
	}
	var suggestions []string
	add := func(s string) bool {
		if len(suggestions) >= limit {
			return false
		}
		suggestions = append(suggestions, s)
		return true
	}

	for _, table := range tables {
		for _, measure := range table.Measures {
			if !add(fmt.Sprintf("What is the overall %s?", measure)) {
				return suggestions
			}
		}
	}
	for _, table := range tables {
		if table.Kind == "measure_table" {
			continue
		}
		if !add(fmt.Sprintf("How many rows does %s contain?", table.TableName)) {
			return suggestions
		}
		if len(table.Columns) > 0 {
			if !add(fmt.Sprintf("What are the distinct values of %s in %s?", table.Columns[0], table.TableName)) {
				return suggestions
			}
		}
	}
	if len(suggestions) == 0 {
		add("Which tables hold the most data?")
	}
	return suggestions
}
