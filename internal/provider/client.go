// Package provider calls the external image-generation service.
package provider

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

	"github.com/MarkoPoloResearchLab/atelier/pkg/generation"
	"go.uber.org/zap"
)

const (
	generatePath       = "/v1/images/generations"
	defaultTimeout     = 2 * time.Minute
	maxResponseBytes   = 32 << 20
	maxErrorBodyLength = 512
)

var (
	ErrInvalidConfig = errors.New("invalid provider config")
	ErrEmptyImage    = errors.New("provider returned no image")
)

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (err *StatusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", err.StatusCode, err.Body)
}

// Retryable reports whether the provider asked us to come back later.
func (err *StatusError) Retryable() bool {
	return err.StatusCode == http.StatusTooManyRequests || err.StatusCode >= http.StatusInternalServerError
}

// TransportError wraps network failures, which are always worth another attempt.
type TransportError struct {
	Err error
}

func (err *TransportError) Error() string {
	return "provider transport: " + err.Err.Error()
}

func (err *TransportError) Unwrap() error {
	return err.Err
}

// Retryable is false once the caller has given up.
func (err *TransportError) Retryable() bool {
	return !errors.Is(err.Err, context.Canceled)
}

// Config configures Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements generation.Provider over HTTP.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

type generateRequest struct {
	Model           string   `json:"model"`
	Prompt          string   `json:"prompt"`
	ReferenceImages []string `json:"reference_images,omitempty"`
	Edits           []string `json:"edits,omitempty"`
}

type generateResponse struct {
	ImageBase64 string `json:"image_base64"`
	ImageURL    string `json:"image_url"`
	ContentType string `json:"content_type"`
}

// NewClient validates config.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(config.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidConfig, config.BaseURL)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:   base.String() + generatePath,
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Generate requests one image. The tool id selects the provider model.
func (client *Client) Generate(ctx context.Context, request generation.ProviderRequest) (generation.Image, error) {
	payload := generateRequest{
		Model:           request.ToolID,
		Prompt:          request.Prompt,
		ReferenceImages: request.ReferenceImages,
	}
	for _, edit := range request.Edits {
		payload.Edits = append(payload.Edits, string(edit))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return generation.Image{}, fmt.Errorf("marshal provider request: %w", err)
	}

	rawBody, contentType, err := client.do(ctx, http.MethodPost, client.endpoint, bytes.NewReader(body))
	if err != nil {
		return generation.Image{}, err
	}
	if strings.HasPrefix(contentType, "image/") {
		return generation.Image{Data: rawBody, ContentType: contentType}, nil
	}

	var response generateResponse
	if err := json.Unmarshal(rawBody, &response); err != nil {
		return generation.Image{}, fmt.Errorf("decode provider response: %w", err)
	}
	switch {
	case response.ImageBase64 != "":
		data, err := base64.StdEncoding.DecodeString(response.ImageBase64)
		if err != nil {
			return generation.Image{}, fmt.Errorf("decode provider image: %w", err)
		}
		return generation.Image{Data: data, ContentType: contentTypeOrPNG(response.ContentType)}, nil
	case response.ImageURL != "":
		data, fetchedType, err := client.do(ctx, http.MethodGet, response.ImageURL, nil)
		if err != nil {
			return generation.Image{}, err
		}
		if len(data) == 0 {
			return generation.Image{}, ErrEmptyImage
		}
		if response.ContentType != "" {
			fetchedType = response.ContentType
		}
		return generation.Image{Data: data, ContentType: contentTypeOrPNG(fetchedType)}, nil
	default:
		return generation.Image{}, ErrEmptyImage
	}
}

func (client *Client) do(ctx context.Context, method string, target string, body io.Reader) ([]byte, string, error) {
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, "", fmt.Errorf("new provider request: %w", err)
	}
	if client.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+client.apiKey)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json, image/*")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, "", &TransportError{Err: err}
	}
	defer response.Body.Close()

	rawBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, "", &TransportError{Err: err}
	}
	if response.StatusCode >= http.StatusMultipleChoices {
		client.logger.Warn("provider request failed",
			zap.String("method", method),
			zap.Int("status", response.StatusCode),
		)
		return nil, "", &StatusError{StatusCode: response.StatusCode, Body: truncate(rawBody)}
	}
	contentType := response.Header.Get("Content-Type")
	if index := strings.Index(contentType, ";"); index >= 0 {
		contentType = contentType[:index]
	}
	return rawBody, strings.TrimSpace(strings.ToLower(contentType)), nil
}

func contentTypeOrPNG(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return "image/png"
	}
	return contentType
}

func truncate(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBodyLength {
		return text[:maxErrorBodyLength]
	}
	return text
}
