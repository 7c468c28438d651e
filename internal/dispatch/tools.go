package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pbibridge/pbibridge/internal/connector"
)

// Tool names exposed over the API.
const (
	ToolConnect      = "connect_powerbi"
	ToolListTables   = "list_tables"
	ToolTableDetails = "get_table_details"
	ToolExecuteQuery = "execute_dax_query"
	ToolAskQuestion  = "ask_question"
	ToolSuggestions  = "suggest_questions"
	ToolDisconnect   = "disconnect"
	ToolQueryHistory = "query_history"
)

type argKind string

const (
	argString argKind = "string"
	argNumber argKind = "number"
	argBool   argKind = "boolean"
)

type argSpec struct {
	Name     string  `json:"name"`
	Type     argKind `json:"type"`
	Required bool    `json:"required"`
}

// ToolInfo is the enumerable description of one tool. Generation-backed
// tools stay listed even when degraded, with Available reporting false.
type ToolInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Available   bool      `json:"available"`
	Arguments   []argSpec `json:"arguments"`
}

type tool struct {
	info    ToolInfo
	handler func(ctx callContext, args arguments) (any, error)
}

type arguments map[string]any

// String returns a validated string argument. Validation has already run, so
// missing optional values come back empty.
func (a arguments) String(name string) string {
	value, _ := a[name].(string)
	return strings.TrimSpace(value)
}

// Number returns a numeric argument; JSON decoding always yields float64.
func (a arguments) Number(name string) (float64, bool) {
	value, ok := a[name].(float64)
	return value, ok
}

func (a arguments) Bool(name string) bool {
	value, _ := a[name].(bool)
	return value
}

// validateArgs checks required fields and types against the tool's spec.
// Unknown fields are rejected to catch caller typos early.
func validateArgs(info ToolInfo, args map[string]any) error {
	specs := map[string]argSpec{}
	for _, spec := range info.Arguments {
		specs[spec.Name] = spec
		if !spec.Required {
			continue
		}
		value, ok := args[spec.Name]
		if !ok {
			return invalidArguments(fmt.Sprintf("missing required argument %q", spec.Name))
		}
		if spec.Type == argString {
			text, isString := value.(string)
			if !isString || strings.TrimSpace(text) == "" {
				return invalidArguments(fmt.Sprintf("argument %q must be a non-empty string", spec.Name))
			}
		}
	}
	for name, value := range args {
		spec, known := specs[name]
		if !known {
			return invalidArguments(fmt.Sprintf("unknown argument %q", name))
		}
		if value == nil {
			continue
		}
		switch spec.Type {
		case argString:
			if _, ok := value.(string); !ok {
				return invalidArguments(fmt.Sprintf("argument %q must be a string", name))
			}
		case argNumber:
			if _, ok := value.(float64); !ok {
				return invalidArguments(fmt.Sprintf("argument %q must be a number", name))
			}
		case argBool:
			if _, ok := value.(bool); !ok {
				return invalidArguments(fmt.Sprintf("argument %q must be a boolean", name))
			}
		}
	}
	return nil
}

func invalidArguments(message string) error {
	return &connector.Error{Kind: connector.KindInvalidArguments, Message: message}
}

// Tools lists every tool sorted by name.
func (d *Dispatcher) Tools() []ToolInfo {
	infos := make([]ToolInfo, 0, len(d.tools))
	for _, t := range d.tools {
		infos = append(infos, t.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
