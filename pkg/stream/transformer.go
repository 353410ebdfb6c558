package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/copilotbridge/pkg/observability"
	"github.com/lkarlslund/copilotbridge/pkg/upstream"
	openai "github.com/sashabaranov/go-openai"
)

const readChunkSize = 32 * 1024

var dataPrefix = []byte("data:")

// Transformer narrows a provider event stream to minimal delta frames.
type Transformer struct {
	// Model fills frames whose upstream chunk carries no model.
	Model string
	Now   func() time.Time
	IDs   upstream.IDSource
}

// Result summarizes one Run.
type Result struct {
	Frames    int
	Malformed int
	Done      bool
}

type flusher interface {
	Flush()
}

// Run reads src until EOF or the done sentinel, writing re-framed events to
// dst. Lines may be split across reads at any byte. A failed write stops the
// run and is returned; malformed data lines are skipped.
func (t *Transformer) Run(ctx context.Context, src io.Reader, dst io.Writer) (Result, error) {
	s := &runState{t: t, dst: dst}
	if f, ok := dst.(flusher); ok {
		s.flush = f.Flush
	}
	buf := make([]byte, readChunkSize)
	pending := make([]byte, 0, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return s.res, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := pending[:idx]
				pending = pending[idx+1:]
				done, err := s.handleLine(line)
				if err != nil || done {
					return s.res, err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return s.res, readErr
		}
	}
	if len(bytes.TrimSpace(pending)) > 0 {
		if _, err := s.handleLine(pending); err != nil {
			return s.res, err
		}
	}
	return s.res, nil
}

type runState struct {
	t     *Transformer
	dst   io.Writer
	flush func()
	res   Result

	id          string
	fingerprint string
}

func (s *runState) handleLine(line []byte) (bool, error) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, dataPrefix) {
		return false, nil
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return false, nil
	}
	if string(payload) == "[DONE]" {
		s.res.Done = true
		return true, s.write([]byte(DoneFrame))
	}
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		s.res.Malformed++
		observability.StreamFrames.WithLabelValues("stream", "malformed").Inc()
		log.Warn("skipping malformed stream frame", "error", err, "bytes", len(payload))
		return false, nil
	}
	for i, choice := range chunk.Choices {
		if choice.Delta.Content == "" {
			continue
		}
		index := choice.Index
		if index == 0 {
			index = i
		}
		frame := DeltaFrame{
			Choices:           []DeltaChoice{{Index: index, Delta: DeltaContent{Content: choice.Delta.Content}}},
			Created:           chunk.Created,
			ID:                chunk.ID,
			Model:             chunk.Model,
			SystemFingerprint: chunk.SystemFingerprint,
		}
		s.fillMissing(&frame)
		b, err := EncodeFrame(frame)
		if err != nil {
			return true, err
		}
		if err := s.write(b); err != nil {
			return true, err
		}
		s.res.Frames++
		observability.StreamFrames.WithLabelValues("stream", "emitted").Inc()
	}
	return false, nil
}

// fillMissing generates id and fingerprint once per run so every frame of a
// stream agrees.
func (s *runState) fillMissing(f *DeltaFrame) {
	if f.Created == 0 {
		f.Created = s.now().Unix()
	}
	if f.ID == "" {
		if s.id == "" {
			s.id = upstream.CompletionID(s.ids())
		}
		f.ID = s.id
	}
	if f.Model == "" {
		f.Model = s.t.Model
	}
	if f.SystemFingerprint == "" {
		if s.fingerprint == "" {
			s.fingerprint = upstream.Fingerprint(s.ids())
		}
		f.SystemFingerprint = s.fingerprint
	}
}

func (s *runState) write(b []byte) error {
	if _, err := s.dst.Write(b); err != nil {
		observability.StreamFrames.WithLabelValues("stream", "write_error").Inc()
		return err
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}

func (s *runState) now() time.Time {
	if s.t.Now != nil {
		return s.t.Now()
	}
	return time.Now()
}

func (s *runState) ids() upstream.IDSource {
	if s.t.IDs != nil {
		return s.t.IDs
	}
	return upstream.RandomIDs{}
}
