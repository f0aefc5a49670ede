package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// go-openai only models text and image_url content parts. Requests that carry
// documents such as PDFs need a "file" part, so they are encoded here and
// posted to the same chat completions endpoint.

type filePart struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type contentPart struct {
	Type     string                      `json:"type"`
	Text     string                      `json:"text,omitempty"`
	ImageURL *openai.ChatMessageImageURL `json:"image_url,omitempty"`
	File     *filePart                   `json:"file,omitempty"`
}

type partsMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type partsRequest struct {
	Model          string                               `json:"model"`
	Temperature    float32                              `json:"temperature,omitempty"`
	Messages       []partsMessage                       `json:"messages"`
	ResponseFormat *openai.ChatCompletionResponseFormat `json:"response_format,omitempty"`
}

func hasDocument(msgs []Message) bool {
	for _, m := range msgs {
		if m.Attachment != nil && !m.Attachment.isImage() {
			return true
		}
	}
	return false
}

func toPartsMessages(msgs []Message) []partsMessage {
	out := make([]partsMessage, len(msgs))
	for i, m := range msgs {
		parts := []contentPart{{Type: "text", Text: m.Text}}
		switch a := m.Attachment; {
		case a == nil:
		case a.isImage():
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &openai.ChatMessageImageURL{URL: dataURL(a)}})
		default:
			name := a.Name
			if name == "" {
				name = "document"
			}
			parts = append(parts, contentPart{Type: "file", File: &filePart{Filename: name, FileData: dataURL(a)}})
		}
		out[i] = partsMessage{Role: m.Role, Content: parts}
	}
	return out
}

func (o *OpenAI) completeWithFiles(ctx context.Context, body partsRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse

	payload, err := json.Marshal(body)
	if err != nil {
		return resp, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return resp, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	httpResp, err := o.http.Do(req)
	if err != nil {
		return resp, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusBadRequest {
		var er openai.ErrorResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&er); err != nil || er.Error == nil {
			return resp, fmt.Errorf("unexpected status %d", httpResp.StatusCode)
		}
		er.Error.HTTPStatusCode = httpResp.StatusCode
		er.Error.HTTPStatus = httpResp.Status
		return resp, er.Error
	}

	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
