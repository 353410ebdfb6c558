package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lkarlslund/copilotbridge/pkg/observability"
	"github.com/lkarlslund/copilotbridge/pkg/upstream"
	openai "github.com/sashabaranov/go-openai"
)

// IsReasoningModel reports whether model belongs to a family that must be
// called without streaming.
func IsReasoningModel(model string, prefixes []string) bool {
	model = strings.TrimSpace(model)
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" && strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// Synthesize turns a buffered provider completion into a single completion
// frame. The first choice's message content is kept; everything else is
// rebuilt.
func Synthesize(body []byte, requestedModel string, now time.Time, ids upstream.IDSource) (CompletionFrame, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return CompletionFrame{}, fmt.Errorf("parse upstream completion: %w", err)
	}
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	model := resp.Model
	if model == "" {
		model = requestedModel
	}
	fingerprint := resp.SystemFingerprint
	if fingerprint == "" {
		fingerprint = upstream.Fingerprint(ids)
	}
	return CompletionFrame{
		ID:                upstream.CompletionID(ids),
		Object:            "chat.completion",
		Created:           now.Unix(),
		Model:             model,
		SystemFingerprint: fingerprint,
		Choices: []CompletionChoice{{
			Index:        0,
			Message:      CompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: string(openai.FinishReasonStop),
		}},
	}, nil
}

// SynthesizeEvent is Synthesize rendered as the complete event-stream body.
func SynthesizeEvent(body []byte, requestedModel string, now time.Time, ids upstream.IDSource) ([]byte, error) {
	frame, err := Synthesize(body, requestedModel, now, ids)
	if err != nil {
		observability.StreamFrames.WithLabelValues("synthesized", "malformed").Inc()
		return nil, err
	}
	out, err := EncodeFrame(frame)
	if err != nil {
		return nil, err
	}
	observability.StreamFrames.WithLabelValues("synthesized", "emitted").Inc()
	return out, nil
}
