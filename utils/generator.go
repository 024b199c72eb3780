package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// GenerateRequest carries everything needed to draft a reply to an inbound email.
type GenerateRequest struct {
	APIKey             string
	Model              string
	BusinessContext    string
	CustomInstructions string

	LeadEmail      string
	LeadVariables  map[string]any
	InboundSubject string
	InboundBody    string
}

// ReplyGenerator drafts the body of an automatic reply.
type ReplyGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ChatGenerator calls an OpenAI-compatible chat completions endpoint,
// throttled by a shared rate limiter and retried with exponential backoff.
type ChatGenerator struct {
	baseURL    string
	client     HTTPDoer
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewChatGenerator(baseURL string, client HTTPDoer, rps float64) *ChatGenerator {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if rps <= 0 {
		rps = 1
	}
	return &ChatGenerator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		maxRetries: 3,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
}

// WithBackoff overrides the retry schedule.
func (g *ChatGenerator) WithBackoff(maxRetries int, base, max time.Duration) *ChatGenerator {
	g.maxRetries = maxRetries
	g.baseDelay = base
	g.maxDelay = max
	return g
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *ChatGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if req.APIKey == "" {
		return "", errors.New("generation API key not configured")
	}

	payload, err := json.Marshal(chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req)},
			{Role: "user", Content: userPrompt(req)},
		},
		Temperature: 0.7,
		MaxTokens:   600,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode generation request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(g.delay(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			}
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}

		content, retry, err := g.call(ctx, req.APIKey, payload)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("generation failed after %d attempts: %w", g.maxRetries+1, lastErr)
}

func (g *ChatGenerator) call(ctx context.Context, apiKey string, payload []byte) (string, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		// network errors are retryable
		return "", true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, err
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("generation endpoint returned %d: %s", resp.StatusCode, Truncate(string(body), 200))
		return "", isRetryableStatus(resp.StatusCode), err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false, fmt.Errorf("failed to decode generation response: %w", err)
	}
	if parsed.Error != nil {
		return "", false, errors.New(parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", false, errors.New("generation returned no content")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), false, nil
}

func (g *ChatGenerator) delay(attempt int) time.Duration {
	d := float64(g.baseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(g.maxDelay) {
		d = float64(g.maxDelay)
	}
	// up to 25% jitter
	jitter := d * 0.25 * rand.Float64()
	return time.Duration(d + jitter)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func systemPrompt(req GenerateRequest) string {
	var b strings.Builder
	b.WriteString("You reply to responses from cold outreach emails on behalf of a business. ")
	b.WriteString("Write a short, friendly, plain reply in HTML paragraphs. Do not include a subject line.")
	if req.BusinessContext != "" {
		b.WriteString("\n\nBusiness context:\n")
		b.WriteString(req.BusinessContext)
	}
	if req.CustomInstructions != "" {
		b.WriteString("\n\nInstructions:\n")
		b.WriteString(req.CustomInstructions)
	}
	return b.String()
}

func userPrompt(req GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", req.LeadEmail)
	for k, v := range req.LeadVariables {
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	fmt.Fprintf(&b, "Subject: %s\n\n%s", req.InboundSubject, req.InboundBody)
	return b.String()
}
