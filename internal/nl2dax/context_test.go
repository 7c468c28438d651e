package nl2dax

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestConversationDropsOldestBeyondDepth(t *testing.T) {
	conv := NewConversation(3)
	for i := 1; i <= 5; i++ {
		conv.Record(Exchange{Question: fmt.Sprintf("q%d", i)})
	}
	history := conv.History()
	if len(history) != 3 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[0].Question != "q3" || history[2].Question != "q5" {
		t.Fatalf("history = %+v", history)
	}
}

func TestConversationReset(t *testing.T) {
	conv := NewConversation(0) // default depth
	conv.Record(Exchange{Question: "q"})
	conv.Reset()
	if len(conv.History()) != 0 {
		t.Fatal("history survived reset")
	}
}

func TestTemplateSuggestionsDeterministic(t *testing.T) {
	tables := []TableContext{
		{TableName: "Metrics", Kind: "measure_table", Measures: []string{"Total Revenue"}},
		{TableName: "Sales", Kind: "data_table", Columns: []string{"Amount", "Date"}},
	}
	first := TemplateSuggestions(tables, 5)
	second := TemplateSuggestions(tables, 5)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("suggestions not deterministic: %v vs %v", first, second)
	}
	if len(first) == 0 || !strings.Contains(first[0], "Total Revenue") {
		t.Fatalf("suggestions = %v", first)
	}
}

func TestTemplateSuggestionsRespectsLimit(t *testing.T) {
	tables := []TableContext{
		{TableName: "A", Kind: "data_table", Columns: []string{"x"}},
		{TableName: "B", Kind: "data_table", Columns: []string{"y"}},
		{TableName: "C", Kind: "data_table", Columns: []string{"z"}},
	}
	got := TemplateSuggestions(tables, 2)
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
}

func TestTemplateSuggestionsEmptySchema(t *testing.T) {
	got := TemplateSuggestions(nil, 5)
	if len(got) != 1 {
		t.Fatalf("suggestions = %v", got)
	}
}
