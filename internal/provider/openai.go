package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatProvider adapts any endpoint implementing the OpenAI Chat
// Completions API surface. LM Studio reuses it under its own id.
type OpenAICompatProvider struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

func NewOpenAICompatProvider(baseURL, apiKey string, timeout time.Duration) *OpenAICompatProvider {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAICompatProvider{
		Name:    "openai_compat",
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Timeout: timeout,
		Client:  &http.Client{},
	}
}

// NewLMStudioProvider targets a local LM Studio runtime; same wire format,
// distinct provider id so sessions can route to it explicitly.
func NewLMStudioProvider(baseURL string, timeout time.Duration) *OpenAICompatProvider {
	if baseURL == "" {
		baseURL = "http://localhost:1234"
	}
	p := NewOpenAICompatProvider(baseURL, "", timeout)
	p.Name = "lmstudio"
	return p
}

func (p *OpenAICompatProvider) ID() string { return p.Name }

type oaiChatReq struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiChatResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type oaiStreamResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type oaiModelsResp struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (p *OpenAICompatProvider) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	return req, nil
}

func (p *OpenAICompatProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := p.newRequest(cctx, http.MethodGet, "/v1/models", nil)
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

	var decoded oaiModelsResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, badResponse(p.ID(), err)
	}

	models := make([]ModelInfo, 0, len(decoded.Data))
	for _, m := range decoded.Data {
		if m.ID == "" {
			continue
		}
		models = append(models, ModelInfo{ID: m.ID, Name: m.ID, Provider: p.ID()})
	}
	return models, nil
}

func (p *OpenAICompatProvider) HealthCheck(ctx context.Context) HealthStatus {
	if _, err := p.ListModels(ctx); err != nil {
		return HealthStatus{OK: false, Detail: err.Error()}
	}
	return HealthStatus{OK: true}
}

func (p *OpenAICompatProvider) Chat(ctx context.Context, req ChatRequest) (string, *Usage, error) {
	b, err := json.Marshal(oaiChatReq{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      false,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
	})
	if err != nil {
		return "", nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	httpReq, err := p.newRequest(cctx, http.MethodPost, "/v1/chat/completions", b)
	if err != nil {
		return "", nil, err
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", nil, normalizeTransportErr(p.ID(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, normalizeStatus(p.ID(), resp)
	}

	var decoded oaiChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", nil, badResponse(p.ID(), err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", nil, badResponse(p.ID(), errors.New(decoded.Error.Message))
	}
	if len(decoded.Choices) == 0 {
		return "", nil, badResponse(p.ID(), errors.New("empty choices"))
	}

	var usage *Usage
	if decoded.Usage != nil {
		usage = &Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		}
	}
	return decoded.Choices[0].Message.Content, usage, nil
}

func finishFromOpenAI(reason string) string {
	switch reason {
	case "length":
		return FinishLength
	case "", "stop":
		return FinishStop
	default:
		return FinishStop
	}
}

// ChatStream streams assistant content chunks parsed from "data:" SSE lines.
func (p *OpenAICompatProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		b, err := json.Marshal(oaiChatReq{
			Model:       req.Model,
			Messages:    req.Messages,
			Stream:      true,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			TopP:        req.TopP,
			Stop:        req.Stop,
		})
		if err != nil {
			errs <- err
			return
		}

		httpReq, err := p.newRequest(ctx, http.MethodPost, "/v1/chat/completions", b)
		if err != nil {
			errs <- err
			return
		}

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

		var (
			finishReason string
			model        string
			usage        *Usage
		)

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			data := line
			if strings.HasPrefix(line, "data:") {
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
			if data == "[DONE]" {
				break
			}

			var decoded oaiStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- badResponse(p.ID(), err)
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- badResponse(p.ID(), errors.New(decoded.Error.Message))
				return
			}
			if decoded.Model != "" {
				model = decoded.Model
			}
			if decoded.Usage != nil {
				usage = &Usage{
					PromptTokens:     decoded.Usage.PromptTokens,
					CompletionTokens: decoded.Usage.CompletionTokens,
					TotalTokens:      decoded.Usage.TotalTokens,
				}
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			choice := decoded.Choices[0]
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
			if choice.Delta.Content != "" {
				select {
				case chunks <- Chunk{Delta: choice.Delta.Content, Model: model}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := sc.Err(); err != nil {
			errs <- normalizeTransportErr(p.ID(), err)
			return
		}

		terminal := Chunk{
			Model:        model,
			FinishReason: finishFromOpenAI(finishReason),
			Usage:        usage,
		}
		select {
		case chunks <- terminal:
		case <-ctx.Done():
		}
	}()

	return chunks, errs
}
