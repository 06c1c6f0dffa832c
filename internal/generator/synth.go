package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultIcon is used when the model does not suggest one.
const DefaultIcon = "box"

// Request is what the generator hands to a synthesizer.
type Request struct {
	Identity Identity
	Schema   *Bundle
	Context  string
}

func (r Request) SchemaJSON() (string, error) {
	b, err := json.Marshal(r.Schema)
	if err != nil {
		return "", fmt.Errorf("encode schema: %w", err)
	}
	return string(b), nil
}

// Output is the structured reply of a synthesizer.
type Output struct {
	RendererSource string `json:"rendererSource"`
	IconName       string `json:"iconName"`
	Description    string `json:"description"`
}

// Synthesizer produces a viewer for a schema. Its output is not verified.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Output, error)
}

// ParseOutput decodes a model reply. In legacy mode the whole reply is the
// template source.
func ParseOutput(content string, legacy bool) (Output, error) {
	if legacy {
		src := stripFences(content)
		if src == "" {
			return Output{}, fmt.Errorf("%w: empty reply", ErrGenerationContract)
		}
		return Output{RendererSource: src, IconName: DefaultIcon}, nil
	}

	content = stripFences(content)
	if !gjson.Valid(content) || !gjson.Parse(content).IsObject() {
		return Output{}, fmt.Errorf("%w: reply is not a JSON object", ErrGenerationContract)
	}

	var out Output
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrGenerationContract, err)
	}
	if strings.TrimSpace(out.RendererSource) == "" {
		return Output{}, fmt.Errorf("%w: rendererSource is empty", ErrGenerationContract)
	}
	if out.IconName == "" {
		out.IconName = DefaultIcon
	}
	return out, nil
}

// stripFences removes a surrounding markdown code fence, which models add
// despite being told not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

type ChatConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Legacy    bool
	Timeout   time.Duration
}

// ChatClient talks to an OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	cfg    ChatConfig
	client *http.Client
}

func NewChatClient(cfg ChatConfig, logger *slog.Logger) *ChatClient {
	var rt http.RoundTripper = http.DefaultTransport
	if cfg.APIKey != "" {
		rt = WithAuth(cfg.APIKey, rt)
	}
	rt = WithLogging(logger, rt)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &ChatClient{cfg: cfg, client: &http.Client{Transport: rt, Timeout: timeout}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// Messages returns the system and user prompt for req.
func (c *ChatClient) Messages(req Request) (string, string, error) {
	user, err := UserPrompt(req)
	if err != nil {
		return "", "", err
	}
	return SystemPrompt(c.cfg.Legacy), user, nil
}

func (c *ChatClient) Synthesize(ctx context.Context, req Request) (Output, error) {
	system, user, err := c.Messages(req)
	if err != nil {
		return Output{}, err
	}

	body := chatRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	if !c.cfg.Legacy {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Output{}, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Output{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Output{}, fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Output{}, fmt.Errorf("read chat completion: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(respBody, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Output{}, fmt.Errorf("chat completion: HTTP %d: %s", resp.StatusCode, msg)
	}

	content := gjson.GetBytes(respBody, "choices.0.message.content")
	if !content.Exists() {
		return Output{}, fmt.Errorf("%w: completion has no message content", ErrGenerationContract)
	}
	if reason := gjson.GetBytes(respBody, "choices.0.finish_reason").String(); reason == "length" {
		return Output{}, fmt.Errorf("%w: completion was truncated at max tokens", ErrGenerationContract)
	}
	return ParseOutput(content.String(), c.cfg.Legacy)
}
