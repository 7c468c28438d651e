package nl2dax

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func chatServer(t *testing.T, content string, capture *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if capture != nil {
			var payload struct {
				Messages []struct {
					Content string `json:"content"`
				} `json:"messages"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode chat payload: %v", err)
			}
			for _, msg := range payload.Messages {
				*capture += msg.Content + "\n"
			}
		}
		response := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
}

func newTestTranslator(t *testing.T, baseURL string) *OpenAITranslator {
	t.Helper()
	translator, err := NewOpenAITranslator(OpenAIConfig{BaseURL: baseURL, APIKey: "key", Model: "test-model"})
	if err != nil {
		t.Fatalf("NewOpenAITranslator() error = %v", err)
	}
	return translator
}

func TestGenerateQueryStripsMarkdown(t *testing.T) {
	var seen string
	server := chatServer(t, "```dax\nEVALUATE TOPN(10, Sales)\n```", &seen)
	defer server.Close()

	translator := newTestTranslator(t, server.URL)
	generated, err := translator.GenerateQuery(context.Background(), Request{
		Catalog:  "SalesDS",
		Question: "top ten sales",
		Tables:   []TableContext{{TableName: "Sales", Columns: []string{"Amount"}}},
		History:  []Exchange{{Question: "total revenue", DAX: `EVALUATE ROW("t", [Total Revenue])`}},
	})
	if err != nil {
		t.Fatalf("GenerateQuery() error = %v", err)
	}
	if generated.DAX != "EVALUATE TOPN(10, Sales)" {
		t.Fatalf("DAX = %q", generated.DAX)
	}
	if generated.Model != "test-model" {
		t.Fatalf("model = %q", generated.Model)
	}
	if !strings.Contains(seen, "total revenue") {
		t.Fatal("prompt is missing conversation history")
	}
	if !strings.Contains(seen, "SalesDS") {
		t.Fatal("prompt is missing the catalog name")
	}
}

func TestGenerateQueryEmptyResponse(t *testing.T) {
	server := chatServer(t, "   ", nil)
	defer server.Close()

	translator := newTestTranslator(t, server.URL)
	_, err := translator.GenerateQuery(context.Background(), Request{Question: "q"})
	if err == nil {
		t.Fatal("expected error for empty DAX")
	}
}

func TestGenerateQueryServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	translator := newTestTranslator(t, server.URL)
	_, err := translator.GenerateQuery(context.Background(), Request{Question: "q"})
	if err == nil || !strings.Contains(err.Error(), "status=503") {
		t.Fatalf("err = %v", err)
	}
}

func TestInterpretResult(t *testing.T) {
	server := chatServer(t, "Revenue was 19.99 in the East region.", nil)
	defer server.Close()

	translator := newTestTranslator(t, server.URL)
	answer, err := translator.InterpretResult(context.Background(), "what was revenue?", ResultSummary{
		Columns:  []string{"Sales[Amount]"},
		Rows:     []map[string]any{{"Sales[Amount]": 19.99}},
		RowCount: 1,
	})
	if err != nil {
		t.Fatalf("InterpretResult() error = %v", err)
	}
	if !strings.Contains(answer, "19.99") {
		t.Fatalf("answer = %q", answer)
	}
}

func TestSuggestQuestionsParsesJSONArray(t *testing.T) {
	server := chatServer(t, "```json\n[\"What is total revenue?\", \" \", \"Which region sells most?\"]\n```", nil)
	defer server.Close()

	translator := newTestTranslator(t, server.URL)
	questions, err := translator.SuggestQuestions(context.Background(), "SalesDS", nil)
	if err != nil {
		t.Fatalf("SuggestQuestions() error = %v", err)
	}
	want := []string{"What is total revenue?", "Which region sells most?"}
	if !reflect.DeepEqual(questions, want) {
		t.Fatalf("questions = %v", questions)
	}
}

func TestUnavailableTranslator(t *testing.T) {
	var translator Translator = Unavailable{}
	if _, err := translator.GenerateQuery(context.Background(), Request{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("GenerateQuery err = %v", err)
	}
	if _, err := translator.InterpretResult(context.Background(), "q", ResultSummary{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("InterpretResult err = %v", err)
	}
	if _, err := translator.SuggestQuestions(context.Background(), "c", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("SuggestQuestions err = %v", err)
	}
}

func TestStripMarkdownDAX(t *testing.T) {
	got := stripMarkdownDAX("```dax\nEVALUATE Sales\n```")
	if got != "EVALUATE Sales" {
		t.Fatalf("stripMarkdownDAX() = %q", got)
	}
}
