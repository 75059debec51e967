package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider talks to a local Ollama model server. Chat responses stream
// as newline-delimited JSON objects, one per chunk.
type OllamaProvider struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

func NewOllamaProvider(baseURL string, timeout time.Duration) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		Client:  &http.Client{},
	}
}

func (p *OllamaProvider) ID() string { return "ollama" }

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaStreamResp struct {
	Model           string    `json:"model"`
	Message         ollamaMsg `json:"message"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason,omitempty"`
	PromptEvalCount int       `json:"prompt_eval_count,omitempty"`
	EvalCount       int       `json:"eval_count,omitempty"`
	Error           string    `json:"error,omitempty"`
}

type ollamaTagsResp struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (p *OllamaProvider) buildReq(req ChatRequest, stream bool) ollamaChatReq {
	out := ollamaChatReq{
		Model:  req.Model,
		Stream: stream,
		Messages: func() []ollamaMsg {
			msgs := make([]ollamaMsg, 0, len(req.Messages))
			for _, m := range req.Messages {
				msgs = append(msgs, ollamaMsg{Role: m.Role, Content: m.Content})
			}
			return msgs
		}(),
	}
	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		opts["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		opts["num_predict"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		opts["stop"] = req.Stop
	}
	if len(opts) > 0 {
		out.Options = opts
	}
	return out
}

func (p *OllamaProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, p.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, normalizeTransportErr(p.ID(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, normalizeStatus(p.ID(), resp)
	}

	var decoded ollamaTagsResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, badResponse(p.ID(), err)
	}

	models := make([]ModelInfo, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		if m.Name == "" {
			continue
		}
		models = append(models, ModelInfo{ID: m.Name, Name: m.Name, Provider: p.ID()})
	}
	return models, nil
}

func (p *OllamaProvider) HealthCheck(ctx context.Context) HealthStatus {
	if _, err := p.ListModels(ctx); err != nil {
		return HealthStatus{OK: false, Detail: err.Error()}
	}
	return HealthStatus{OK: true}
}

func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (string, *Usage, error) {
	b, err := json.Marshal(p.buildReq(req, false))
	if err != nil {
		return "", nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(cctx, http.MethodPost, p.BaseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return "", nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", nil, normalizeTransportErr(p.ID(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, normalizeStatus(p.ID(), resp)
	}

	var decoded ollamaStreamResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", nil, badResponse(p.ID(), err)
	}
	if decoded.Error != "" {
		return "", nil, badResponse(p.ID(), fmt.Errorf("%s", decoded.Error))
	}
	return decoded.Message.Content, usageFromOllama(&decoded), nil
}

func usageFromOllama(r *ollamaStreamResp) *Usage {
	if r.PromptEvalCount == 0 && r.EvalCount == 0 {
		return nil
	}
	return &Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
}

func finishFromOllama(reason string) string {
	switch reason {
	case "", "stop":
		return FinishStop
	case "length", "limit":
		return FinishLength
	default:
		return FinishStop
	}
}

// ChatStream streams assistant content chunks. It returns immediately with
// two channels; both will be closed when streaming ends.
func (p *OllamaProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		b, err := json.Marshal(p.buildReq(req, true))
		if err != nil {
			errs <- err
			return
		}

		// No client timeout while streaming; ctx bounds the call.
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/chat", bytes.NewReader(b))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.Client.Do(httpReq)
		if err != nil {
			errs <- normalizeTransportErr(p.ID(), err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- normalizeStatus(p.ID(), resp)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		// Increase scanner buffer for long JSON lines.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaStreamResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				errs <- badResponse(p.ID(), err)
				return
			}
			if decoded.Error != "" {
				errs <- badResponse(p.ID(), fmt.Errorf("%s", decoded.Error))
				return
			}

			if decoded.Message.Content != "" {
				select {
				case chunks <- Chunk{Delta: decoded.Message.Content, Model: decoded.Model}:
				case <-ctx.Done():
					return
				}
			}

			if decoded.Done {
				terminal := Chunk{
					Model:        decoded.Model,
					FinishReason: finishFromOllama(decoded.DoneReason),
					Usage:        usageFromOllama(&decoded),
				}
				select {
				case chunks <- terminal:
				case <-ctx.Done():
				}
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- normalizeTransportErr(p.ID(), err)
		}
	}()

	return chunks, errs
}
