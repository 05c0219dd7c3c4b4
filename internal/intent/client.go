package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stewardhq/steward/internal/schedule"
)

const (
	defaultBaseURL      = "https://openrouter.ai/api/v1"
	defaultHistoryLimit = 12
	maxSuggestions      = 3
)

var knownActionTypes = map[string]bool{
	"reply":          true,
	"draft_reply":    true,
	"create_meeting": true,
	"create_task":    true,
}

// ClientConfig configures the OpenAI-compatible chat-completions client.
type ClientConfig struct {
	APIKey        string
	BaseURL       string
	PrimaryModel  string
	FallbackModel string
	HTTPClient    *http.Client
	UserAgent     string
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	apiKey        string
	baseURL       string
	primaryModel  string
	fallbackModel string
	httpClient    *http.Client
	userAgent     string
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key is required")
	}
	if strings.TrimSpace(cfg.PrimaryModel) == "" {
		return nil, errors.New("primary model is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 45 * time.Second}
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		apiKey:        strings.TrimSpace(cfg.APIKey),
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		primaryModel:  strings.TrimSpace(cfg.PrimaryModel),
		fallbackModel: strings.TrimSpace(cfg.FallbackModel),
		httpClient:    cfg.HTTPClient,
		userAgent:     strings.TrimSpace(cfg.UserAgent),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []tool        `json:"tools,omitempty"`
	Temperature float64       `json:"temperature"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content   *string    `json:"content"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

var suggestActionTool = tool{
	Type: "function",
	Function: toolFunction{
		Name:        "suggest_action",
		Description: "Propose one concrete action for the user to confirm. Call once per candidate. If the request lacks information a candidate needs (for example a meeting with no day and time), call nothing.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"type": {"type": "string", "enum": ["reply", "draft_reply", "create_meeting", "create_task"]},
				"title": {"type": "string", "description": "Short human-readable summary of the candidate"},
				"payload": {"type": "object", "description": "The fields the action needs to execute"}
			},
			"required": ["type", "title", "payload"]
		}`),
	},
}

// Reply answers ordinary chat input and normalizes the output.
func (c *Client) Reply(ctx context.Context, userMessage string, history []Message) (Result, error) {
	messages := []chatMessage{
		{
			Role: "system",
			Content: "You are an email and scheduling assistant.\n" +
				"Respond in plain text unless a structured response is needed.\n" +
				"For structured insights respond with a single JSON object " +
				`{"insight": {"kind": "...", "data": {...}}}` + " and nothing else.",
		},
	}
	messages = appendHistory(messages, history)
	messages = append(messages, chatMessage{Role: "user", Content: userMessage})

	return runWithRepair(ctx, c, messages, nil,
		func(content string, _ []toolCall) (Result, error) {
			return normalizeReply(content)
		})
}

// Prepare asks the model for candidate actions. Zero suggestions with a
// nil error is a meaningful answer: the model had nothing actionable.
func (c *Client) Prepare(ctx context.Context, req PrepareRequest) ([]Suggestion, error) {
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	messages := []chatMessage{
		{
			Role: "system",
			Content: "You prepare candidate actions for a conversational email assistant.\n" +
				"Use the suggest_action tool for every candidate; do not describe actions in text.\n" +
				"Propose nothing when the request cannot be satisfied from the given input.",
		},
	}
	messages = appendHistory(messages, req.History)
	messages = append(messages, chatMessage{
		Role: "user",
		Content: fmt.Sprintf("Action type: %s\nSubject: %s\nPayload: %s",
			req.ActionType, req.SubjectID, payloadJSON),
	})

	return runWithRepair(ctx, c, messages, []tool{suggestActionTool},
		func(_ string, calls []toolCall) ([]Suggestion, error) {
			return parseSuggestions(calls)
		})
}

// ResolveDateTime asks the model for exact instants, with an explicit
// failure token for input that names no day and time.
func (c *Client) ResolveDateTime(ctx context.Context, freeText string) (schedule.RawResolution, error) {
	messages := []chatMessage{
		{
			Role: "system",
			Content: "Convert the user's scheduling phrase into exact instants.\n" +
				`Respond with a single JSON object {"start": "RFC3339", "end": "RFC3339"}.` + "\n" +
				`If the phrase does not name an explicit day and time ("sometime", "soon", "later"), respond with exactly the token missing_datetime. Never guess.`,
		},
		{Role: "user", Content: freeText},
	}

	return runWithRepair(ctx, c, messages, nil,
		func(content string, _ []toolCall) (schedule.RawResolution, error) {
			content = strings.TrimSpace(content)
			if strings.Contains(strings.ToLower(content), "missing_datetime") {
				return schedule.RawResolution{}, schedule.ErrAmbiguousDateTime
			}

			var raw struct {
				Start string `json:"start"`
				End   string `json:"end"`
			}
			if err := json.Unmarshal([]byte(content), &raw); err != nil {
				return schedule.RawResolution{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
			}
			return schedule.RawResolution{Start: raw.Start, End: raw.End}, nil
		})
}

// runWithRepair runs the completion against the primary model, then the
// fallback model, with one repair retry per model on invalid output. A
// parse error other than ErrInvalidOutput is a definitive semantic answer
// and returns immediately.
func runWithRepair[T any](ctx context.Context, c *Client, messages []chatMessage, tools []tool, parse func(string, []toolCall) (T, error)) (T, error) {
	var zero T

	models := []string{c.primaryModel}
	if c.fallbackModel != "" && c.fallbackModel != c.primaryModel {
		models = append(models, c.fallbackModel)
	}

	var lastErr error
	for _, model := range models {
		for _, repair := range []bool{false, true} {
			content, calls, err := c.completeWithModel(ctx, model, messages, tools, repair)
			if err == nil {
				value, parseErr := parse(content, calls)
				if parseErr == nil {
					return value, nil
				}
				if !errors.Is(parseErr, ErrInvalidOutput) {
					return zero, parseErr
				}
				err = parseErr
			}
			lastErr = err
			if !errors.Is(err, ErrInvalidOutput) {
				break
			}
		}
	}

	if lastErr == nil {
		lastErr = ErrUnavailable
	}
	return zero, lastErr
}

func (c *Client) completeWithModel(ctx context.Context, model string, messages []chatMessage, tools []tool, repair bool) (string, []toolCall, error) {
	if repair {
		messages = append(messages[:len(messages):len(messages)], chatMessage{
			Role:    "system",
			Content: "Your previous response was invalid. Use the provided tools correctly or respond in the requested format.",
		})
	}

	payload := chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Tools:       tools,
		Temperature: 0.2,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", nil, fmt.Errorf("chat completion status %d: %s", resp.StatusCode, strings.TrimSpace(string(responseBody)))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return "", nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil, ErrInvalidOutput
	}

	msg := parsed.Choices[0].Message
	content := ""
	if msg.Content != nil {
		content = *msg.Content
	}
	return content, msg.ToolCalls, nil
}

func parseSuggestions(calls []toolCall) ([]Suggestion, error) {
	suggestions := make([]Suggestion, 0, len(calls))
	for _, call := range calls {
		if strings.TrimSpace(call.Function.Name) != suggestActionTool.Function.Name {
			return nil, fmt.Errorf("%w: unknown tool %q", ErrInvalidOutput, call.Function.Name)
		}

		var args struct {
			Type    string         `json:"type"`
			Title   string         `json:"title"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("%w: invalid suggest_action arguments", ErrInvalidOutput)
		}

		actionType := strings.ToLower(strings.TrimSpace(args.Type))
		if !knownActionTypes[actionType] {
			return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalidOutput, args.Type)
		}

		title := strings.TrimSpace(args.Title)
		if title == "" {
			title = "Suggested action"
		}
		payload := args.Payload
		if payload == nil {
			payload = map[string]any{}
		}

		suggestions = append(suggestions, Suggestion{
			Type:    actionType,
			Title:   title,
			Payload: payload,
		})
		if len(suggestions) >= maxSuggestions {
			break
		}
	}
	return suggestions, nil
}

func appendHistory(messages []chatMessage, history []Message) []chatMessage {
	start := 0
	if len(history) > defaultHistoryLimit {
		start = len(history) - defaultHistoryLimit
	}
	for _, msg := range history[start:] {
		role := msg.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		messages = append(messages, chatMessage{Role: role, Content: msg.Content})
	}
	return messages
}
