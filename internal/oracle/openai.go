package oracle

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"
)

var _ Client = (*OpenAI)(nil)

// Config configures an OpenAI-compatible client.
type Config struct {
	APIKey string
	// BaseURL points at any OpenAI-compatible endpoint; empty means api.openai.com.
	BaseURL string
	// Concurrency bounds in-flight requests.
	Concurrency int
	// Timeout bounds a single request.
	Timeout time.Duration
	// HTTPClient sends the requests; nil means a default http.Client.
	HTTPClient HTTPClient
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// OpenAI talks to an OpenAI-compatible chat completions API.
type OpenAI struct {
	client  *openai.Client
	http    HTTPClient
	baseURL string
	apiKey  string
	sem     *semaphore.Weighted
	timeout time.Duration
	log     *slog.Logger
}

// NewOpenAI creates a client.
func NewOpenAI(cfg Config, log *slog.Logger) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	oc.HTTPClient = cfg.HTTPClient
	return &OpenAI{
		client:  openai.NewClientWithConfig(oc),
		http:    cfg.HTTPClient,
		baseURL: strings.TrimSuffix(oc.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		timeout: cfg.Timeout,
		log:     log,
	}
}

// Complete sends req and returns the first choice's text.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer o.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var format *openai.ChatCompletionResponseFormat
	if req.JSON {
		format = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	documents := hasDocument(req.Messages)
	o.log.Debug("llm request", "model", req.Model, "messages", len(req.Messages), "json", req.JSON, "documents", documents)
	start := time.Now()

	var (
		resp openai.ChatCompletionResponse
		err  error
	)
	if documents {
		resp, err = o.completeWithFiles(ctx, partsRequest{
			Model:          req.Model,
			Temperature:    float32(req.Temperature),
			Messages:       toPartsMessages(req.Messages),
			ResponseFormat: format,
		})
	} else {
		resp, err = o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:          req.Model,
			Temperature:    float32(req.Temperature),
			Messages:       toChatMessages(req.Messages),
			ResponseFormat: format,
		})
	}
	duration := time.Since(start)
	if err != nil {
		return "", fmt.Errorf("chat completion %s: %w", req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	text := resp.Choices[0].Message.Content
	o.log.Debug("llm response",
		"model", req.Model,
		"duration", duration,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"response_length", len(text))
	return text, nil
}

// toChatMessages covers text and image attachments. Documents go through toPartsMessages.
func toChatMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		if m.Attachment == nil {
			out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Text}
			continue
		}
		out[i] = openai.ChatCompletionMessage{
			Role: m.Role,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: m.Text},
				{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: dataURL(m.Attachment)},
				},
			},
		}
	}
	return out
}

// isImage reports whether the attachment can travel as an image_url part.
func (a *Attachment) isImage() bool {
	return strings.HasPrefix(a.MIMEType, "image/")
}

func dataURL(a *Attachment) string {
	return "data:" + a.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}
