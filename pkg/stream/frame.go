// Package stream reshapes provider chat completion responses into the
// event-stream framing callers expect.
package stream

import (
	"encoding/json"
	"io"
)

const (
	ContentType = "text/event-stream; charset=utf-8"
	DoneFrame   = "data: [DONE]\n\n"
)

// DeltaFrame is the minimal incremental chunk emitted while streaming.
type DeltaFrame struct {
	Choices           []DeltaChoice `json:"choices"`
	Created           int64         `json:"created"`
	ID                string        `json:"id"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint"`
}

type DeltaChoice struct {
	Index int          `json:"index"`
	Delta DeltaContent `json:"delta"`
}

type DeltaContent struct {
	Content string `json:"content"`
}

// CompletionFrame is a whole chat completion sent as a single event.
type CompletionFrame struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	Created           int64              `json:"created"`
	Model             string             `json:"model"`
	SystemFingerprint string             `json:"system_fingerprint"`
	Choices           []CompletionChoice `json:"choices"`
}

type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EncodeFrame renders v as one "data: <json>\n\n" event.
func EncodeFrame(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(raw)+8)
	out = append(out, "data: "...)
	out = append(out, raw...)
	out = append(out, "\n\n"...)
	return out, nil
}

func WriteFrame(w io.Writer, v any) error {
	b, err := EncodeFrame(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
