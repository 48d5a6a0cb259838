// Package aicompare asks a vision-capable chat completion model whether two
// listing photos show the same apartment.
package aicompare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"rental_dedupe/metrics"
)

var (
	ErrEmptyResponse = errors.New("ai comparison returned no content")
	// ErrUnparseable is returned when the model reply holds no confidence number
	ErrUnparseable = errors.New("ai comparison reply has no confidence")
)

const prompt = `You compare two photos from rental apartment listings.
Answer with a single integer from 0 to 100: your confidence that both photos show the same apartment.
Judge layout, fixtures, flooring, windows and furniture. Ignore cropping, resolution, watermarks and lighting.
Reply with the number only.`

var confidenceRegex = regexp.MustCompile(`\d{1,3}`)

// Options configures a Client
type Options struct {
	BaseURL    string // OpenAI-compatible API root, e.g. https://api.openai.com/v1
	APIKey     string
	Model      string
	RPS        float64
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client compares image pairs through an OpenAI-compatible chat completions API
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a new Client
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RPS <= 0 {
		opts.RPS = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		endpoint:   strings.TrimSuffix(opts.BaseURL, "/") + "/chat/completions",
		apiKey:     opts.APIKey,
		model:      opts.Model,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(opts.RPS), 1),
		logger:     logger,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// CompareImages returns the model's 0-100 confidence that imageA and imageB
// show the same apartment
func (c *Client) CompareImages(ctx context.Context, imageA, imageB string) (int, error) {
	confidence, err := c.compare(ctx, imageA, imageB)
	if err != nil {
		metrics.AIComparisonsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.AIComparisonsTotal.WithLabelValues("ok").Inc()
	c.logger.Debug("ai image comparison",
		zap.String("image_a", imageA),
		zap.String("image_b", imageB),
		zap.Int("confidence", confidence),
	)
	return confidence, nil
}

func (c *Client) compare(ctx context.Context, imageA, imageB string) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: imageA}},
				{Type: "image_url", ImageURL: &imageURL{URL: imageB}},
			},
		}},
		MaxTokens:   8,
		Temperature: 0,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("ai api status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return 0, ErrEmptyResponse
	}
	return ParseConfidence(parsed.Choices[0].Message.Content)
}

// ParseConfidence extracts the first integer of a model reply, clamped to 0-100
func ParseConfidence(reply string) (int, error) {
	match := confidenceRegex.FindString(reply)
	if match == "" {
		return 0, fmt.Errorf("%w: %q", ErrUnparseable, reply)
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparseable, reply)
	}
	return min(n, 100), nil
}
