// Package vision describes images through the Gemini generateContent API.
//
// The client sends the image together with a fixed instruction that asks the
// model to either transcribe a document or summarise a scene, and returns the
// model's answer verbatim. Parsing the answer is left to downstream stages.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultPrompt asks for a category line followed by the content.
const DefaultPrompt = `You are an assistant for visually impaired people.
Classify the image into exactly one of two categories:
- [Document]: the image shows a document or a page of text. Transcribe the entire text and reformat it so it is complete, tidy and well organised. Do not summarise.
- [Scene]: the image shows a scene or surroundings. Give a concise overall description.
Answer in this format:
Category: [Document or Scene]
Content: <the corresponding content>`

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.5-flash"
)

// ErrMissingAPIKey is returned by New when no API key is configured.
var ErrMissingAPIKey = errors.New("vision: missing API key")

// Error is returned for every failed describe call.
type Error struct {
	StatusCode int // zero unless the service answered with a non-success status
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	s := "vision: " + e.Msg
	if e.StatusCode != 0 {
		s += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	Prompt  string
	Timeout time.Duration
}

// Client performs single-attempt describe calls.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	prompt  string
	http    *http.Client
	logger  *zap.Logger
}

func New(opts Options, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:  opts.APIKey,
		model:   opts.Model,
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		prompt:  opts.Prompt,
		http:    &http.Client{Timeout: opts.Timeout},
		logger:  logger,
	}, nil
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Describe sends the image and the prompt and returns the model's text.
func (c *Client) Describe(ctx context.Context, image []byte, mimeType string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{
			Parts: []part{
				{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
				{Text: c.prompt},
			},
		}},
	})
	if err != nil {
		return "", &Error{Msg: "encoding request", Err: err}
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Msg: "creating request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Msg: "request failed", Err: redactKey(err, c.apiKey)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &Error{StatusCode: resp.StatusCode, Msg: "request rejected", Err: errors.New(strings.TrimSpace(string(snippet)))}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Msg: "decoding response", Err: err}
	}
	if len(out.Candidates) == 0 {
		return "", &Error{Msg: "no candidates in response"}
	}

	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", &Error{Msg: "empty text in response"}
	}

	c.logger.Debug("image described",
		zap.String("model", c.model),
		zap.Int("image_bytes", len(image)),
		zap.Int("text_length", len(text)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return text, nil
}

// redactKey keeps the API key out of transport errors, which quote the URL.
func redactKey(err error, key string) error {
	if key == "" {
		return err
	}
	msg := err.Error()
	redacted := strings.ReplaceAll(msg, url.QueryEscape(key), "REDACTED")
	redacted = strings.ReplaceAll(redacted, key, "REDACTED")
	if redacted == msg {
		return err
	}
	return errors.New(redacted)
}
