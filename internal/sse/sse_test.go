package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/omnichat/omnichat/internal/provider"
)

func TestWriter_OneDataLinePerFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	if err := w.Send(Meta("s1", "c1", "ollama", "llama3", "r1", time.Now())); err != nil {
		t.Fatalf("send meta: %v", err)
	}
	if err := w.Send(Delta("hello")); err != nil {
		t.Fatalf("send delta: %v", err)
	}
	if err := w.Send(Final("m1", "stop", &provider.Usage{TotalTokens: 9}, 120)); err != nil {
		t.Fatalf("send final: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	var payloads []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("unexpected line %q", line)
		}
		payloads = append(payloads, strings.TrimPrefix(line, "data: "))
	}
	if len(payloads) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(payloads))
	}

	var f Frame
	if err := json.Unmarshal([]byte(payloads[0]), &f); err != nil {
		t.Fatalf("unmarshal meta: %v", err)
	}
	if f.Type != TypeMeta || f.StreamID != "s1" || f.Provider != "ollama" {
		t.Fatalf("bad meta frame: %+v", f)
	}
	if err := json.Unmarshal([]byte(payloads[1]), &f); err != nil {
		t.Fatalf("unmarshal delta: %v", err)
	}
	if f.Type != TypeDelta || f.Content != "hello" {
		t.Fatalf("bad delta frame: %+v", f)
	}
	if err := json.Unmarshal([]byte(payloads[2]), &f); err != nil {
		t.Fatalf("unmarshal final: %v", err)
	}
	if f.Type != TypeFinal || f.FinishReason != "stop" || f.Usage.TotalTokens != 9 {
		t.Fatalf("bad final frame: %+v", f)
	}
}

// chunkedReader returns the input in deliberately awkward fragments so lines
// split across reads.
type chunkedReader struct {
	parts []string
	i     int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.i >= len(r.parts) {
		return 0, io.EOF
	}
	n := copy(p, r.parts[r.i])
	r.i++
	return n, nil
}

func TestScanner_BuffersPartialLines(t *testing.T) {
	r := &chunkedReader{parts: []string{
		"data: {\"type\":\"me",
		"ta\",\"stream_id\":\"s1\"}\n\nda",
		"ta: {\"type\":\"delta\",\"content\":\"h",
		"i\"}\n\n",
		"data: {\"type\":\"final\"}", // no trailing newline: dropped at EOF
	}}

	sc := NewScanner(r)

	f, err := sc.NextFrame()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if f.Type != TypeMeta || f.StreamID != "s1" {
		t.Fatalf("bad first frame: %+v", f)
	}

	f, err = sc.NextFrame()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if f.Type != TypeDelta || f.Content != "hi" {
		t.Fatalf("bad second frame: %+v", f)
	}

	if _, err := sc.NextFrame(); err != io.EOF {
		t.Fatalf("unterminated tail must not be processed, got %v", err)
	}
}

func TestScanner_IgnoresCommentAndBlankLines(t *testing.T) {
	body := ": comment\n\ndata: {\"type\":\"ping\",\"ts\":1}\n\n"
	sc := NewScanner(strings.NewReader(body))

	f, err := sc.NextFrame()
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if f.Type != TypePing {
		t.Fatalf("expected ping, got %+v", f)
	}
}

func writeFrame(t *testing.T, w io.Writer, f Frame) {
	t.Helper()
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := io.WriteString(w, "data: "+string(b)+"\n\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestStreamClient_ResumesAfterDrop(t *testing.T) {
	requests := 0
	var lastEventID string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		lastEventID = r.Header.Get("Last-Event-ID")

		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)

		writeFrame(t, w, Meta("s1", "c1", "fake", "m", "", time.Now()))
		writeFrame(t, w, Frame{Type: TypeDelta, Content: "hel"})
		writeFrame(t, w, Frame{Type: TypeDelta, Content: "lo "})
		fl.Flush()

		if requests == 1 {
			// drop the connection mid-stream
			hj := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}

		// replayed tail plus the rest
		writeFrame(t, w, Frame{Type: TypeDelta, Content: "world"})
		writeFrame(t, w, Final("m1", "stop", nil, 10))
		fl.Flush()
	}))
	defer srv.Close()

	client := NewStreamClient(srv.Client(), 3, 10*time.Millisecond)

	var text strings.Builder
	var final *Frame
	err := client.Stream(context.Background(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("{}"))
	}, func(f *Frame) error {
		switch f.Type {
		case TypeDelta:
			text.WriteString(f.Content)
		case TypeFinal:
			cp := *f
			final = &cp
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if requests != 2 {
		t.Fatalf("expected 2 requests, got %d", requests)
	}
	if lastEventID != "s1:6" {
		t.Fatalf("expected resume hint s1:6, got %q", lastEventID)
	}
	if text.String() != "hel" + "lo " + "world" {
		t.Fatalf("replayed content duplicated or lost: %q", text.String())
	}
	if final == nil || final.FinishReason != "stop" {
		t.Fatalf("missing final frame: %+v", final)
	}
}

func TestStreamClient_ErrorFrameIsTerminal(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(t, w, Meta("s1", "c1", "fake", "m", "", time.Now()))
		writeFrame(t, w, Error("E4001", "provider error", false))
	}))
	defer srv.Close()

	client := NewStreamClient(srv.Client(), 3, 10*time.Millisecond)
	err := client.Stream(context.Background(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("{}"))
	}, func(f *Frame) error { return nil })

	if err == nil {
		t.Fatalf("expected terminal error")
	}
	if requests != 1 {
		t.Fatalf("error frame must not trigger a retry, got %d requests", requests)
	}
}

// guard against the writer buffering frames instead of flushing them
func TestWriter_FlushesEachFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw, err := NewWriter(w)
		if err != nil {
			t.Errorf("new writer: %v", err)
			return
		}
		_ = sw.Send(Delta("x"))
		// hold the handler open so only a flush can deliver the frame
		<-r.Context().Done()
	}))
	defer srv.Close()

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(resp.Body).ReadString('\n')
		lines <- line
	}()

	select {
	case line := <-lines:
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("unexpected first line %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frame was not flushed")
	}
}
