package intent

import (
	"encoding/json"
	"strings"
)

// rawReply covers the nested shapes the model has been observed emitting
// for conversational output. They are folded into one Result here and
// nowhere else.
type rawReply struct {
	Reply   string `json:"reply"`
	Message string `json:"message"`
	Insight *struct {
		Kind string         `json:"kind"`
		Data map[string]any `json:"data"`
	} `json:"insight"`
	Error string `json:"error"`
}

// normalizeReply folds raw model content into a Result. Non-JSON content is
// a plain chat reply; empty content is invalid.
func normalizeReply(content string) (Result, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Result{}, ErrInvalidOutput
	}

	if !strings.HasPrefix(content, "{") {
		return Result{Kind: KindChatReply, Reply: content}, nil
	}

	var raw rawReply
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		// JSON-looking but unparseable: surface it as text rather than
		// failing the turn.
		return Result{Kind: KindChatReply, Reply: content}, nil
	}

	switch {
	case raw.Error != "":
		return Result{Kind: KindActionError, ErrorCode: raw.Error}, nil
	case raw.Insight != nil && raw.Insight.Kind != "":
		return Result{
			Kind:        KindInsight,
			InsightKind: raw.Insight.Kind,
			InsightData: raw.Insight.Data,
		}, nil
	case raw.Reply != "":
		return Result{Kind: KindChatReply, Reply: raw.Reply}, nil
	case raw.Message != "":
		return Result{Kind: KindChatReply, Reply: raw.Message}, nil
	default:
		return Result{}, ErrInvalidOutput
	}
}
