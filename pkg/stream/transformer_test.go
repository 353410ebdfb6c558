package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"
)

type fixedIDs struct{}

func (fixedIDs) UUID() string     { return "00000000-0000-0000-0000-000000000001" }
func (fixedIDs) Hex(n int) string { return strings.Repeat("f", n) }

func newTestTransformer() *Transformer {
	return &Transformer{
		Model: "gpt-4o",
		Now:   func() time.Time { return time.Unix(1700000000, 0) },
		IDs:   fixedIDs{},
	}
}

func decodeFrames(t *testing.T, out string) []DeltaFrame {
	t.Helper()
	var frames []DeltaFrame
	for _, event := range strings.Split(out, "\n\n") {
		if event == "" || event == "data: [DONE]" {
			continue
		}
		if !strings.HasPrefix(event, "data: ") {
			t.Fatalf("unexpected event %q", event)
		}
		var f DeltaFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(event, "data: ")), &f); err != nil {
			t.Fatalf("decode frame %q: %v", event, err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestTransformerSingleDelta(t *testing.T) {
	in := "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n"
	var out bytes.Buffer
	res, err := newTestTransformer().Run(context.Background(), strings.NewReader(in), &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := decodeFrames(t, out.String())
	if len(frames) != 1 || res.Frames != 1 {
		t.Fatalf("expected exactly one frame, got %d (%q)", len(frames), out.String())
	}
	f := frames[0]
	if f.Choices[0].Delta.Content != "hi" || f.Choices[0].Index != 0 {
		t.Fatalf("unexpected frame %+v", f)
	}
	if f.ID != "chatcmpl-00000000-0000-0000-0000-000000000001" || f.Created != 1700000000 || f.Model != "gpt-4o" || f.SystemFingerprint != "fp_ffffffffffff" {
		t.Fatalf("expected generated metadata, got %+v", f)
	}
	if res.Done {
		t.Fatal("stream without sentinel must not report done")
	}
	if strings.Contains(out.String(), "[DONE]") {
		t.Fatal("no sentinel should be appended when upstream omitted it")
	}
}

func TestTransformerKeepsUpstreamMetadata(t *testing.T) {
	in := `data: {"id":"up-1","created":42,"model":"gpt-4o-2024","system_fingerprint":"fp_up","choices":[{"index":0,"delta":{"role":"assistant","content":""}},{"index":0,"delta":{"content":"b"}},{"index":3,"delta":{"content":"c"}}]}` + "\n"
	var out bytes.Buffer
	if _, err := newTestTransformer().Run(context.Background(), strings.NewReader(in), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := decodeFrames(t, out.String())
	if len(frames) != 2 {
		t.Fatalf("expected empty content to be dropped, got %d frames", len(frames))
	}
	if frames[0].Choices[0].Index != 1 {
		t.Fatalf("zero index should fall back to position, got %d", frames[0].Choices[0].Index)
	}
	if frames[1].Choices[0].Index != 3 {
		t.Fatalf("explicit index should be kept, got %d", frames[1].Choices[0].Index)
	}
	for _, f := range frames {
		if f.ID != "up-1" || f.Created != 42 || f.Model != "gpt-4o-2024" || f.SystemFingerprint != "fp_up" {
			t.Fatalf("upstream metadata lost: %+v", f)
		}
	}
}

func TestTransformerDoneTerminates(t *testing.T) {
	in := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\ndata: [DONE]\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n\n"
	var out bytes.Buffer
	res, err := newTestTransformer().Run(context.Background(), strings.NewReader(in), &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Done || res.Frames != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.HasSuffix(out.String(), DoneFrame) {
		t.Fatalf("expected output to end with the sentinel, got %q", out.String())
	}
	if strings.Contains(out.String(), "late") {
		t.Fatal("data after the sentinel must be discarded")
	}
}

func TestTransformerSkipsMalformedFrames(t *testing.T) {
	in := "data: {not json\n\n: keep-alive comment\n\nevent: ping\ndata: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\r\n\r\n"
	var out bytes.Buffer
	res, err := newTestTransformer().Run(context.Background(), strings.NewReader(in), &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Malformed != 1 || res.Frames != 1 {
		t.Fatalf("expected one skipped and one emitted frame, got %+v", res)
	}
	if frames := decodeFrames(t, out.String()); frames[0].Choices[0].Delta.Content != "ok" {
		t.Fatalf("unexpected frames %+v", frames)
	}
}

func TestTransformerSplitReadsMatchWholeRead(t *testing.T) {
	in := "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hé\"}}]}\n\n" +
		"data: {\"choices\":[]}\n\n" +
		"data: {\"id\":\"x\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"llo\"}}]}\n\n" +
		"data: [DONE]\n\n"

	var whole bytes.Buffer
	if _, err := newTestTransformer().Run(context.Background(), strings.NewReader(in), &whole); err != nil {
		t.Fatalf("whole: %v", err)
	}
	var split bytes.Buffer
	if _, err := newTestTransformer().Run(context.Background(), iotest.OneByteReader(strings.NewReader(in)), &split); err != nil {
		t.Fatalf("split: %v", err)
	}
	if whole.String() != split.String() {
		t.Fatalf("split reads diverged:\nwhole: %q\nsplit: %q", whole.String(), split.String())
	}

	var twoPart bytes.Buffer
	src := io.MultiReader(strings.NewReader("data: {\"cho"), strings.NewReader("ices\":[]}\n\n"))
	res, err := newTestTransformer().Run(context.Background(), src, &twoPart)
	if err != nil || res.Malformed != 0 {
		t.Fatalf("mid-line split must parse cleanly, got %+v err=%v", res, err)
	}
}

func TestTransformerHandlesUnterminatedTail(t *testing.T) {
	in := "data: {\"choices\":[{\"delta\":{\"content\":\"tail\"}}]}"
	var out bytes.Buffer
	res, err := newTestTransformer().Run(context.Background(), strings.NewReader(in), &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Frames != 1 {
		t.Fatalf("expected the final unterminated line to be processed, got %+v", res)
	}
}

type failingWriter struct {
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("client went away")
}

type countingReader struct {
	r     io.Reader
	reads int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.reads++
	return c.r.Read(p)
}

func TestTransformerStopsOnWriteError(t *testing.T) {
	in := strings.Repeat("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n", 3)
	src := &countingReader{r: iotest.OneByteReader(strings.NewReader(in))}
	w := &failingWriter{}
	_, err := newTestTransformer().Run(context.Background(), src, w)
	if err == nil || err.Error() != "client went away" {
		t.Fatalf("expected write error, got %v", err)
	}
	if w.writes != 1 {
		t.Fatalf("expected a single failed write, got %d", w.writes)
	}
	if src.reads >= len(in) {
		t.Fatalf("expected reading to stop after the failed write, read %d of %d bytes", src.reads, len(in))
	}
}

func TestTransformerHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestTransformer().Run(ctx, strings.NewReader("data: [DONE]\n"), io.Discard)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestTransformerFlushesEachFrame(t *testing.T) {
	in := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\ndata: [DONE]\n\n"
	w := &flushRecorder{}
	if _, err := newTestTransformer().Run(context.Background(), strings.NewReader(in), w); err != nil {
		t.Fatalf("run: %v", err)
	}
	if w.flushes != 3 {
		t.Fatalf("expected a flush per emitted event, got %d", w.flushes)
	}
}
