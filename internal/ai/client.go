package ai

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

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/config"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrEmptyResponse 模型没有返回内容
var ErrEmptyResponse = errors.New("no response from model")

// LatencyObserver 记录每次模型调用的耗时
type LatencyObserver func(operation string, elapsed time.Duration, err error)

// Client OpenAI 兼容接口客户端（chat/completions 与 embeddings）
type Client struct {
	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
	temperature    float64
	maxTokens      int
	httpClient     *http.Client
	limiter        *rate.Limiter
	retryConfig    *retry.Config
	observe        LatencyObserver
	logger         *logrus.Logger
}

// NewClient 创建模型客户端
func NewClient(cfg *config.LLMConfig, logger *logrus.Logger) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1)
	}

	return &Client{
		apiKey:         cfg.APIKey,
		baseURL:        baseURL,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter:     limiter,
		retryConfig: retry.OracleConfig(logger),
		logger:      logger,
	}
}

// WithRetryConfig 替换重试策略
func (c *Client) WithRetryConfig(cfg *retry.Config) *Client {
	c.retryConfig = cfg
	return c
}

// WithLatencyObserver 注册耗时回调
func (c *Client) WithLatencyObserver(observe LatencyObserver) *Client {
	c.observe = observe
	return c
}

// Model 决策模型名称
func (c *Client) Model() string {
	return c.model
}

// ChatRequest 聊天请求
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Message 消息
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart 内容部分
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ChatResponse 聊天响应
type ChatResponse struct {
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice 选择
type Choice struct {
	Index   int             `json:"index"`
	Message ResponseMessage `json:"message"`
}

// ResponseMessage 响应消息
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage 使用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Complete 发送纯文本提示词，返回模型回复
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody := ChatRequest{
		Model:       c.model,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Messages: []Message{
			{
				Role:    "user",
				Content: []ContentPart{{Type: "text", Text: prompt}},
			},
		},
	}

	var resp ChatResponse
	if err := c.post(ctx, "chat", "/chat/completions", reqBody, &resp); err != nil {
		return "", fmt.Errorf("failed to send chat request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	content := resp.Choices[0].Message.Content
	c.logger.WithFields(logrus.Fields{
		"model":             c.model,
		"response_length":   len(content),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}).Debug("Chat completion finished")
	return content, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed 计算文本向量
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	var resp embeddingResponse
	if err := c.post(ctx, "embedding", "/embeddings", embeddingRequest{Model: c.embeddingModel, Input: text}, &resp); err != nil {
		return nil, fmt.Errorf("failed to send embedding request: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp.Data[0].Embedding, nil
}

// post 带限流与重试的 JSON POST
func (c *Client) post(ctx context.Context, operation, path string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	err = retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		return c.doPost(ctx, path, jsonData, out)
	})
	if c.observe != nil {
		c.observe(operation, time.Since(start), err)
	}
	return err
}

func (c *Client) doPost(ctx context.Context, path string, jsonData []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(bodyBytes))
		// 4xx 除 429 外重试无意义
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// extractJSON 从文本中提取 JSON（第一个 { 到最后一个 }）
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
