package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/omnichat/omnichat/internal/apperr"
)

// Scanner reads `data:` payloads off an event-stream body. Network reads can
// split a frame anywhere, so bytes accumulate in a buffer and a line is only
// processed once its terminating newline has arrived; an unterminated tail
// stays buffered for the next read.
type Scanner struct {
	r   io.Reader
	buf []byte
	tmp [4096]byte
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r}
}

// Next returns the JSON payload of the next data line. io.EOF signals a clean
// end of stream; any leftover unterminated bytes at EOF are dropped.
func (s *Scanner) Next() ([]byte, error) {
	for {
		for {
			i := bytes.IndexByte(s.buf, '\n')
			if i < 0 {
				break
			}
			line := s.buf[:i]
			s.buf = s.buf[i+1:]
			line = bytes.TrimSuffix(line, []byte("\r"))
			if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
				return bytes.TrimSpace(payload), nil
			}
			// blank separator lines and comment lines are skipped
		}
		n, err := s.r.Read(s.tmp[:])
		if n > 0 {
			s.buf = append(s.buf, s.tmp[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// NextFrame decodes the next data payload into a Frame.
func (s *Scanner) NextFrame() (*Frame, error) {
	payload, err := s.Next()
	if err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, apperr.Streaming("malformed frame").WithCause(err)
	}
	return &f, nil
}

// ResumeHint identifies how far into a stream the client got before the
// transport dropped. DeltaOffset counts runes of delta content received.
type ResumeHint struct {
	StreamID    string
	DeltaOffset int
}

func (h ResumeHint) String() string {
	return fmt.Sprintf("%s:%d", h.StreamID, h.DeltaOffset)
}

// StreamClient consumes one generation stream and transparently reconnects
// after transport drops, replaying the cached resume hint so already-seen
// delta content is not delivered twice.
type StreamClient struct {
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

func NewStreamClient(client *http.Client, maxRetries int, retryDelay time.Duration) *StreamClient {
	if client == nil {
		client = http.DefaultClient
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &StreamClient{client: client, maxRetries: maxRetries, retryDelay: retryDelay}
}

// Stream opens the request built by makeReq and delivers frames to onFrame
// until a final or error frame arrives. On a transport drop it re-issues the
// request with the current resume hint, up to the retry budget. onFrame
// returning an error aborts the stream.
func (c *StreamClient) Stream(ctx context.Context, makeReq func() (*http.Request, error), onFrame func(*Frame) error) error {
	var hint *ResumeHint
	attempt := 0

	for {
		req, err := makeReq()
		if err != nil {
			return err
		}
		req = req.WithContext(ctx)
		req.Header.Set("Accept", "text/event-stream")
		if hint != nil {
			req.Header.Set("Last-Event-ID", hint.String())
		}

		done, transportErr := c.consume(req, hint, onFrame, func(h ResumeHint) { hint = &h })
		if done {
			return transportErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= c.maxRetries {
			return apperr.Streaming("stream dropped").WithCause(transportErr)
		}
		attempt++
		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consume runs one connection attempt. done=true means a terminal outcome
// (final frame, error frame, or a non-retryable failure) was reached and the
// returned error is final; done=false means the transport dropped mid-stream.
func (c *StreamClient) consume(req *http.Request, hint *ResumeHint, onFrame func(*Frame) error, save func(ResumeHint)) (bool, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode >= 500
		if retryable {
			return false, fmt.Errorf("stream endpoint returned %d", resp.StatusCode)
		}
		return true, apperr.Streaming(strings.TrimSpace(string(body)))
	}

	cur := ResumeHint{}
	skip := 0
	if hint != nil {
		cur = *hint
		skip = hint.DeltaOffset
	}

	sc := NewScanner(resp.Body)
	for {
		f, err := sc.NextFrame()
		if err == io.EOF {
			// stream ended without a terminal frame
			return false, io.ErrUnexpectedEOF
		}
		if err != nil {
			return false, err
		}

		switch f.Type {
		case TypeMeta:
			cur.StreamID = f.StreamID
			save(cur)
		case TypePing:
			continue
		case TypeDelta:
			// After a resume the server may replay from the start; drop
			// content the client already rendered.
			if skip > 0 {
				n := utf8.RuneCountInString(f.Content)
				if n <= skip {
					skip -= n
					continue
				}
				f.Content = trimRunes(f.Content, skip)
				skip = 0
			}
			cur.DeltaOffset += utf8.RuneCountInString(f.Content)
			save(cur)
		case TypeFinal:
			return true, onFrame(f)
		case TypeError:
			if err := onFrame(f); err != nil {
				return true, err
			}
			return true, &apperr.Error{
				Code:      apperr.Code(f.Code),
				Message:   f.Message,
				Retryable: f.Retryable,
			}
		}

		if f.Type == TypeDelta || f.Type == TypeMeta {
			if err := onFrame(f); err != nil {
				return true, err
			}
		}
	}
}

func trimRunes(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[i:]
		}
		n--
	}
	return ""
}
