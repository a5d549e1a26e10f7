package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/digkill/TestborBot/internal/config"
)

var ErrEmptyCompletion = errors.New("llm returned no questions")

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
	log        *slog.Logger
}

type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Answer   string   `json:"answer"`
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.LLMTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	language := cfg.LLMLanguage
	if language == "" {
		language = "Uzbek"
	}
	return &Client{
		apiKey:   cfg.LLMAPIKey,
		baseURL:  strings.TrimRight(cfg.LLMBaseURL, "/"),
		model:    cfg.LLMModel,
		language: language,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// GenerateQuestions returns count questions rendered as numbered text,
// starting at startNumber so chunks can be concatenated.
func (c *Client) GenerateQuestions(ctx context.Context, subject, description string, count, startNumber int) (string, error) {
	questions, err := c.Questions(ctx, subject, description, count)
	if err != nil {
		return "", err
	}
	return Render(questions, startNumber), nil
}

// Questions asks the model for count multiple-choice questions.
func (c *Client) Questions(ctx context.Context, subject, description string, count int) ([]Question, error) {
	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": "You write school test questions. Reply with JSON only."},
			{"role": "user", "content": buildPrompt(c.language, subject, description, count)},
		},
		"max_tokens":  4096,
		"temperature": 0.7,
	}

	content, err := c.complete(ctx, payload)
	if err != nil {
		return nil, err
	}
	questions, err := parseQuestions(content)
	if err != nil {
		return nil, err
	}
	if len(questions) > count {
		questions = questions[:count]
	}
	if c.log != nil {
		c.log.Info("llm questions generated", "subject", subject, "requested", count, "received", len(questions))
	}
	return questions, nil
}

func (c *Client) complete(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := c.baseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post llm: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("llm request failed", "status", resp.StatusCode, "body", truncateBody(rawBody))
		}
		return "", fmt.Errorf("llm error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawBody, &completion); err != nil {
		return "", fmt.Errorf("decode completion: %w (body=%s)", err, truncateBody(rawBody))
	}
	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return completion.Choices[0].Message.Content, nil
}

func buildPrompt(language, subject, description string, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create %d multiple-choice test questions in %s for the subject %q", count, language, subject)
	if description != "" {
		fmt.Fprintf(&b, " on the topic: %s", description)
	}
	b.WriteString(". Each question has 4 options and exactly one correct answer. ")
	b.WriteString(`Return a JSON array where every item has "question", "options" (array of strings) and "answer" fields.`)
	return b.String()
}

// parseQuestions tolerates markdown code fences around the JSON array.
func parseQuestions(content string) ([]Question, error) {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "["); start >= 0 {
		if end := strings.LastIndex(content, "]"); end > start {
			content = content[start : end+1]
		}
	}
	var questions []Question
	if err := json.Unmarshal([]byte(content), &questions); err != nil {
		return nil, fmt.Errorf("parse questions: %w (content=%s)", err, truncateBody([]byte(content)))
	}
	valid := questions[:0]
	for _, q := range questions {
		if strings.TrimSpace(q.Question) == "" || len(q.Options) == 0 {
			continue
		}
		valid = append(valid, q)
	}
	if len(valid) == 0 {
		return nil, ErrEmptyCompletion
	}
	return valid, nil
}

// Render prints questions as "N. text", lettered options and the answer line.
func Render(questions []Question, startNumber int) string {
	var b strings.Builder
	for i, q := range questions {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s\n", startNumber+i, strings.TrimSpace(q.Question))
		for j, option := range q.Options {
			fmt.Fprintf(&b, "   %c) %s\n", 'a'+j, strings.TrimSpace(option))
		}
		if q.Answer != "" {
			fmt.Fprintf(&b, "Javob: %s\n", strings.TrimSpace(q.Answer))
		}
	}
	return b.String()
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
