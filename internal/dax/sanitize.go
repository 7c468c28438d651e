package dax

import (
	"fmt"
	"regexp"
	"strings"
)

// InvalidQueryError reports a candidate query that cannot be reduced to an
// executable DAX statement.
type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query: %s", e.Reason)
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	innerSpacePattern = regexp.MustCompile(`[ \t]+`)
)

// startKeywords are the statement openers accepted for execution. DMV queries
// against $SYSTEM views start with SELECT, everything else is regular DAX.
var startKeywords = []string{"EVALUATE", "DEFINE", "VAR", "SELECT"}

// Sanitize normalizes a candidate query produced by a model or a human into an
// executable statement. It strips Markdown fences and echoed markup, trims
// wrapping quotes, and collapses horizontal whitespace while preserving line
// breaks. Sanitize(Sanitize(q)) == Sanitize(q) for any accepted q.
func Sanitize(raw string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = stripFences(cleaned)
	cleaned = tagPattern.ReplaceAllString(cleaned, "")
	cleaned = strings.Trim(cleaned, "`\"' \t\r\n")
	cleaned = collapseSpaces(cleaned)

	if cleaned == "" {
		return "", &InvalidQueryError{Reason: "query is empty after cleaning"}
	}
	if !hasStartKeyword(cleaned) {
		return "", &InvalidQueryError{Reason: "query does not start with a DAX statement keyword"}
	}
	return cleaned, nil
}

func stripFences(value string) string {
	if !strings.HasPrefix(value, "```") {
		return value
	}
	value = strings.TrimPrefix(value, "```")
	// Drop a language tag such as "dax" on the opening fence line.
	if idx := strings.IndexByte(value, '\n'); idx >= 0 {
		firstLine := strings.TrimSpace(value[:idx])
		if firstLine != "" && len(firstLine) <= 10 && !strings.ContainsAny(firstLine, " \t(") {
			value = value[idx+1:]
		}
	} else {
		value = strings.TrimPrefix(strings.TrimSpace(value), "dax")
	}
	value = strings.TrimSuffix(strings.TrimSpace(value), "```")
	return strings.TrimSpace(value)
}

func collapseSpaces(value string) string {
	lines := strings.Split(strings.ReplaceAll(value, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(innerSpacePattern.ReplaceAllString(line, " "))
		if line == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func hasStartKeyword(value string) bool {
	upper := strings.ToUpper(value)
	for _, keyword := range startKeywords {
		if strings.HasPrefix(upper, keyword) {
			return true
		}
	}
	return false
}
