package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGroqBaseURL = "https://api.groq.com/openai/v1"
	defaultGroqTimeout = 60 * time.Second

	// Groq's hosted Whisper model, used for voice note transcription.
	transcriptionModel = "whisper-large-v3"
)

// GroqOptions configures a Groq client. Only APIKey is required.
type GroqOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// Groq talks to the Groq OpenAI-compatible API.
type Groq struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewGroq(opts GroqOptions) (*Groq, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("groq api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGroqBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultGroqTimeout}
	}
	return &Groq{
		apiKey:  strings.TrimSpace(opts.APIKey),
		baseURL: baseURL,
		client:  client,
	}, nil
}

type chatRequest struct {
	Model          string      `json:"model"`
	Messages       []Message   `json:"messages"`
	Temperature    float64     `json:"temperature,omitempty"`
	ResponseFormat *chatFormat `json:"response_format,omitempty"`
}

type chatFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (g *Groq) Complete(ctx context.Context, req *Request) (string, error) {
	payload := chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, Message{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, req.Messages...)
	if req.ResponseFormat != "" {
		payload.ResponseFormat = &chatFormat{Type: req.ResponseFormat}
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return "", &ProviderError{Operation: "complete", Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/chat/completions", &buf)
	if err != nil {
		return "", &ProviderError{Operation: "complete", Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		completionRequests.WithLabelValues(req.Model, "transport_error").Inc()
		return "", &ProviderError{Operation: "complete", Message: "http request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		completionRequests.WithLabelValues(req.Model, fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		return "", &ProviderError{
			Operation: "complete",
			Status:    resp.StatusCode,
			Message:   readErrorBody(resp.Body),
		}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		completionRequests.WithLabelValues(req.Model, "decode_error").Inc()
		return "", &ProviderError{Operation: "complete", Message: "decode response", Err: err}
	}
	if len(out.Choices) == 0 {
		completionRequests.WithLabelValues(req.Model, "empty").Inc()
		return "", &ProviderError{Operation: "complete", Message: "no choices in response"}
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		completionRequests.WithLabelValues(req.Model, "empty").Inc()
		return "", &ProviderError{Operation: "complete", Message: "empty completion"}
	}

	completionRequests.WithLabelValues(req.Model, "ok").Inc()
	completionDuration.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
	return text, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func (g *Groq) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("model", transcriptionModel); err != nil {
		return "", &ProviderError{Operation: "transcribe", Message: "encode request", Err: err}
	}
	part, err := w.CreateFormFile("file", fileNameForMIME(mimeType))
	if err != nil {
		return "", &ProviderError{Operation: "transcribe", Message: "encode request", Err: err}
	}
	if _, err := part.Write(audio); err != nil {
		return "", &ProviderError{Operation: "transcribe", Message: "encode request", Err: err}
	}
	if err := w.Close(); err != nil {
		return "", &ProviderError{Operation: "transcribe", Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", &ProviderError{Operation: "transcribe", Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		transcriptionRequests.WithLabelValues("transport_error").Inc()
		return "", &ProviderError{Operation: "transcribe", Message: "http request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		transcriptionRequests.WithLabelValues(fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		return "", &ProviderError{
			Operation: "transcribe",
			Status:    resp.StatusCode,
			Message:   readErrorBody(resp.Body),
		}
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		transcriptionRequests.WithLabelValues("decode_error").Inc()
		return "", &ProviderError{Operation: "transcribe", Message: "decode response", Err: err}
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		transcriptionRequests.WithLabelValues("empty").Inc()
		return "", &ProviderError{Operation: "transcribe", Message: "empty transcript"}
	}

	transcriptionRequests.WithLabelValues("ok").Inc()
	return text, nil
}

func fileNameForMIME(mimeType string) string {
	switch mimeType {
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/wav", "audio/x-wav":
		return "audio.wav"
	case "audio/ogg":
		return "audio.ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "audio.m4a"
	default:
		return "audio.webm"
	}
}

// readErrorBody extracts the API error message, falling back to the raw
// body. Bodies are capped; error responses are small.
func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(body) == 0 {
		return "no error detail"
	}
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	return strings.TrimSpace(string(body))
}

var _ Provider = (*Groq)(nil)
