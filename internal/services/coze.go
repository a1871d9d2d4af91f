package services

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

	"github.com/cenkalti/backoff/v4"

	"ChatAssist-bot/internal/metrics"
)

const (
	cozeMaxTokens   = 2048
	cozeTemperature = 0.7
)

// ErrEmptyCompletion модель вернула пустой ответ.
var ErrEmptyCompletion = errors.New("empty completion")

type cozeRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type CozeResponse struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	TokenUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"token_usage"`
}

// StatusError ответ API с кодом не 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coze status %d: %s", e.Code, e.Body)
}

// CozeClient клиент API модели.
type CozeClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      func() backoff.BackOff
}

func NewCozeClient(baseURL, apiKey string, timeout time.Duration) *CozeClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CozeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		retry: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 3)
		},
	}
}

// Complete отправляет запрос пользователя и возвращает текст ответа.
// Ошибки 4xx не повторяются, остальные повторяются до трёх раз.
func (c *CozeClient) Complete(ctx context.Context, prompt string) (string, error) {
	const op = "services.CozeClient.Complete"
	start := time.Now()
	defer func() { metrics.ObserveCompletion(time.Since(start)) }()

	var resp *CozeResponse
	err := backoff.Retry(func() error {
		var err error
		resp, err = c.send(ctx, prompt)
		var se *StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(c.retry(), ctx))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("%s: %w", op, ErrEmptyCompletion)
	}
	return resp.Content, nil
}

func (c *CozeClient) send(ctx context.Context, prompt string) (*CozeResponse, error) {
	body, err := json.Marshal(cozeRequest{Prompt: prompt, MaxTokens: cozeMaxTokens, Temperature: cozeTemperature})
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, &StatusError{Code: httpResp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	var out CozeResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
