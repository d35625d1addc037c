// Package synth is the HTTP client for the text-to-speech synthesis
// service. It implements tts.Synthesizer on top of the service's JSON API,
// de-duplicates identical in-flight requests, optionally rate-limits
// outbound calls, and can persist fetched clips to a local disk cache.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/tts"
)

const defaultTimeout = 60 * time.Second

// Client talks to a synthesis server. Safe for concurrent use.
type Client struct {
	base    *url.URL
	httpc   *http.Client
	limiter *rate.Limiter
	group   singleflight.Group
	store   *cache.Store
	log     *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

// WithCache persists fetched clips to the given store, keyed by text and
// speaker. Cache hits skip the network entirely.
func WithCache(s *cache.Store) Option {
	return func(cl *Client) { cl.store = s }
}

// WithRateLimit caps outbound synthesis requests.
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *Client) { cl.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithLogger sets the client logger.
func WithLogger(l *log.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// New builds a client for the synthesis server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url %q missing scheme or host", baseURL)
	}
	c := &Client{
		base:  u,
		httpc: &http.Client{Timeout: defaultTimeout},
		log:   log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "synth")
	return c, nil
}

type synthesizeRequest struct {
	TextChunk string `json:"text_chunk"`
	SpeakerID string `json:"speaker_id"`
}

type synthesizeResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Error   string `json:"error"`
}

// Synthesize asks the server to render one chunk and returns the absolute
// URL of the produced audio file. The server may answer with a relative
// path; it is resolved against the server base URL.
func (c *Client) Synthesize(ctx context.Context, text, speakerID string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(synthesizeRequest{TextChunk: text, SpeakerID: speakerID})
	if err != nil {
		return "", fmt.Errorf("encode synthesize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/synthesize"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &tts.SynthesisError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &tts.SynthesisError{Message: fmt.Sprintf("server returned %s: %s", resp.Status, bytes.TrimSpace(msg))}
	}

	var sr synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", &tts.SynthesisError{Message: "malformed server response: " + err.Error()}
	}
	if !sr.Success {
		msg := sr.Error
		if msg == "" {
			msg = "server reported failure without detail"
		}
		return "", &tts.SynthesisError{Message: msg}
	}

	audioURL, err := c.resolve(sr.URL)
	if err != nil {
		return "", &tts.SynthesisError{Message: "bad audio url in response: " + err.Error()}
	}

	c.log.Debug("synthesized chunk", "speaker", speakerID, "took", time.Since(start), "url", audioURL)
	return audioURL, nil
}

// FetchAudio downloads raw audio bytes from a URL returned by Synthesize.
func (c *Client) FetchAudio(ctx context.Context, audioURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, &tts.FetchError{URL: audioURL, Err: err}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &tts.FetchError{URL: audioURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &tts.FetchError{URL: audioURL, Err: fmt.Errorf("server returned %s", resp.Status)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &tts.FetchError{URL: audioURL, Err: err}
	}
	return data, nil
}

// FetchClip synthesizes a chunk and downloads its audio in one step.
// Identical concurrent calls share a single round trip, and clips are
// served from the disk cache when one is configured.
func (c *Client) FetchClip(ctx context.Context, text, speakerID string) ([]byte, error) {
	key := cache.Key(text, speakerID)

	if c.store != nil {
		if data, ok := c.store.Get(key); ok {
			c.log.Debug("clip cache hit", "key", key)
			return data, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		audioURL, err := c.Synthesize(ctx, text, speakerID)
		if err != nil {
			return nil, err
		}
		data, err := c.FetchAudio(ctx, audioURL)
		if err != nil {
			return nil, err
		}
		if c.store != nil {
			if err := c.store.Put(key, data); err != nil {
				c.log.Warn("clip cache write failed", "key", key, "err", err)
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Register uploads a reference recording and its transcript to enroll a new
// speaker voice on the server.
func (c *Client) Register(ctx context.Context, speakerID, promptText, audioPath string) error {
	f, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("open reference audio: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("speaker_id", speakerID); err != nil {
		return err
	}
	if err := mw.WriteField("prompt_text", promptText); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("audio_file", filepath.Base(audioPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("read reference audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/register"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("register speaker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("register speaker: server returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var rr struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rr); err == nil && !rr.Success {
		msg := rr.Error
		if msg == "" {
			msg = "server reported failure without detail"
		}
		return fmt.Errorf("register speaker: %s", msg)
	}
	c.log.Info("speaker registered", "speaker", speakerID)
	return nil
}

// Health probes the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/health"), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = path
	return u.String()
}

func (c *Client) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return c.base.ResolveReference(ref).String(), nil
}
