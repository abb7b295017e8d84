// Package speech implements the FPT.AI text-to-speech protocol.
//
// Synthesis is asynchronous on the remote side: the submit call answers with
// a URL under which the rendered audio will appear. The client waits a fixed,
// caller-supplied duration and fetches that URL exactly once. There is no
// readiness check; if rendering takes longer than the wait, the fetch fails.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultEndpoint = "https://api.fpt.ai/hmi/tts/v5"

// ErrMissingAPIKey is returned by New when no API key is configured.
var ErrMissingAPIKey = errors.New("speech: missing API key")

// Kind classifies a synthesis failure.
type Kind string

const (
	SubmissionFailed Kind = "submission_failed"
	NoAudioURL       Kind = "no_audio_url"
	DownloadFailed   Kind = "download_failed"
)

// Error is returned for every failed synthesis.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	var s string
	switch e.Kind {
	case SubmissionFailed:
		s = "TTS API request failed"
	case NoAudioURL:
		s = "no audio URL in TTS response"
	case DownloadFailed:
		s = "failed to download audio"
	default:
		s = "speech synthesis failed"
	}
	if e.StatusCode != 0 {
		s += fmt.Sprintf(": %d", e.StatusCode)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Voice describes one entry of the remote voice catalogue.
type Voice struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Gender string `json:"gender"`
}

// Voices lists the voices offered to callers.
var Voices = []Voice{
	{Code: "banmai", Name: "Ban Mai (Northern female)", Gender: "female"},
	{Code: "lannhi", Name: "Lan Nhi (Southern female)", Gender: "female"},
	{Code: "myan", Name: "My An (Central female)", Gender: "female"},
	{Code: "giahuy", Name: "Gia Huy (Central male)", Gender: "male"},
	{Code: "minhquang", Name: "Minh Quang (Southern male)", Gender: "male"},
}

// KnownVoice reports whether code is part of the catalogue.
func KnownVoice(code string) bool {
	for _, v := range Voices {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Audio is the fetched rendering.
type Audio struct {
	Data        []byte
	URL         string
	ContentType string
}

// Options configures a Client.
type Options struct {
	APIKey   string
	Endpoint string
	Speed    string
	Timeout  time.Duration
}

type Client struct {
	apiKey   string
	endpoint string
	speed    string
	http     *http.Client
	logger   *zap.Logger

	// sleep performs the blind wait; replaced in tests.
	sleep func(time.Duration)
}

func New(opts Options, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:   opts.APIKey,
		endpoint: opts.Endpoint,
		speed:    opts.Speed,
		http:     &http.Client{Timeout: opts.Timeout},
		logger:   logger,
		sleep:    time.Sleep,
	}, nil
}

type submitResponse struct {
	Async   string `json:"async"`
	Error   int    `json:"error"`
	Message string `json:"message"`
}

// Synthesize submits text, waits for wait, then downloads the audio once.
func (c *Client) Synthesize(ctx context.Context, text, voice string, wait time.Duration) (*Audio, error) {
	audioURL, err := c.submit(ctx, text, voice)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("waiting for audio rendering",
		zap.String("audio_url", audioURL),
		zap.Duration("wait", wait),
	)
	c.sleep(wait)

	return c.download(ctx, audioURL)
}

func (c *Client) submit(ctx context.Context, text, voice string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader([]byte(text)))
	if err != nil {
		return "", &Error{Kind: SubmissionFailed, Err: err}
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("voice", voice)
	req.Header.Set("speed", c.speed)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Kind: SubmissionFailed, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: SubmissionFailed, StatusCode: resp.StatusCode}
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Kind: NoAudioURL, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if strings.TrimSpace(out.Async) == "" {
		var detail error
		if out.Message != "" {
			detail = errors.New(out.Message)
		}
		return "", &Error{Kind: NoAudioURL, Err: detail}
	}

	c.logger.Debug("speech submitted",
		zap.String("voice", voice),
		zap.Int("text_length", len(text)),
	)
	return out.Async, nil
}

func (c *Client) download(ctx context.Context, audioURL string) (*Audio, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, &Error{Kind: DownloadFailed, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: DownloadFailed, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: DownloadFailed, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: DownloadFailed, Err: fmt.Errorf("reading body: %w", err)}
	}

	return &Audio{
		Data:        data,
		URL:         audioURL,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
