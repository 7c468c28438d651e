package nl2dax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAITranslator speaks the /v1/chat/completions protocol of any
// OpenAI-compatible endpoint.
type OpenAITranslator struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewOpenAITranslator(cfg OpenAIConfig) (*OpenAITranslator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAITranslator{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (t *OpenAITranslator) GenerateQuery(ctx context.Context, req Request) (Generated, error) {
	tablesJSON, err := json.Marshal(req.Tables)
	if err != nil {
		return Generated{}, fmt.Errorf("marshal table context: %w", err)
	}
	systemPrompt := "You convert natural language analytics questions into a single DAX query " +
		"for a Power BI tabular model. Every query must start with EVALUATE. " +
		"Return ONLY DAX. No markdown, no explanation."
	var history strings.Builder
	for _, exchange := range req.History {
		fmt.Fprintf(&history, "Q: %s\nDAX: %s\n", exchange.Question, exchange.DAX)
	}
	userPrompt := fmt.Sprintf(
		"Dataset: %s\nSchema and sample context (JSON):\n%s\n\nRecent exchanges:\n%s\nQuestion:\n%s\n\nRules:\n- Use only listed tables, columns, and measures.\n- Reference columns as 'Table'[Column].\n- Wrap scalar answers in ROW().\n- Output a single DAX query only.",
		req.Catalog,
		string(tablesJSON),
		history.String(),
		strings.TrimSpace(req.Question),
	)

	content, err := t.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return Generated{}, err
	}
	dax := stripMarkdownDAX(content)
	if strings.TrimSpace(dax) == "" {
		return Generated{}, fmt.Errorf("model returned empty DAX")
	}
	return Generated{
		DAX:      dax,
		Provider: "openai-compatible",
		Model:    t.model,
	}, nil
}

func (t *OpenAITranslator) InterpretResult(ctx context.Context, question string, result ResultSummary) (string, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal result summary: %w", err)
	}
	systemPrompt := "You explain analytical query results to business users in two or three " +
		"plain sentences. Mention concrete numbers. Do not repeat the raw data verbatim."
	userPrompt := fmt.Sprintf(
		"Question:\n%s\n\nQuery result (JSON, possibly truncated):\n%s\n\nAnswer the question from this result.",
		strings.TrimSpace(question),
		string(resultJSON),
	)

	content, err := t.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(content)
	if answer == "" {
		return "", fmt.Errorf("model returned empty interpretation")
	}
	return answer, nil
}

func (t *OpenAITranslator) SuggestQuestions(ctx context.Context, catalog string, tables []TableContext) ([]string, error) {
	tablesJSON, err := json.Marshal(tables)
	if err != nil {
		return nil, fmt.Errorf("marshal table context: %w", err)
	}
	systemPrompt := "You propose analytics questions a dataset can answer. " +
		"Return a JSON array of question strings and nothing else."
	userPrompt := fmt.Sprintf(
		"Dataset: %s\nSchema and sample context (JSON):\n%s\n\nPropose 5 specific, answerable questions.",
		catalog,
		string(tablesJSON),
	)

	content, err := t.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}
	var questions []string
	if err := json.Unmarshal([]byte(stripMarkdownDAX(content)), &questions); err != nil {
		return nil, fmt.Errorf("decode suggested questions: %w", err)
	}
	cleaned := questions[:0]
	for _, question := range questions {
		if trimmed := strings.TrimSpace(question); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("model returned no questions")
	}
	return cleaned, nil
}

func (t *OpenAITranslator) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	payload := map[string]any{
		"model": t.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": t.temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, string(rawRespBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func stripMarkdownDAX(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```dax")
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
