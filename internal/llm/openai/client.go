package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的大模型。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Model 返回使用的模型名。
func (c *Client) Model() string { return c.model }

// Generate 调用模型并解析 {"thoughts": [...], "reply": "..."} 结构。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "构建请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "请求模型失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeProviderFailure,
			fmt.Sprintf("模型返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "解析模型响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "模型响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "模型响应内容为空")
	}
	return parseContent(content), nil
}

// parseContent 兼容 thoughts 数组、单个 thought 字段和纯文本三种输出。
func parseContent(content string) *llm.Response {
	var structured struct {
		Thoughts []string `json:"thoughts"`
		Thought  string   `json:"thought"`
		Reply    string   `json:"reply"`
	}
	if err := json.Unmarshal([]byte(stripFence(content)), &structured); err != nil {
		return &llm.Response{Reply: content}
	}
	thoughts := structured.Thoughts
	if len(thoughts) == 0 && strings.TrimSpace(structured.Thought) != "" {
		thoughts = []string{structured.Thought}
	}
	reply := strings.TrimSpace(structured.Reply)
	if reply == "" {
		reply = content
	}
	return &llm.Response{Thoughts: thoughts, Reply: reply}
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		"temperature": 0.2,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "序列化请求失败")
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are the observer agent of a multi-agent DeFi assistant. " +
	"Analyse the user's task and respond with a compact JSON object: " +
	"{\"thoughts\": [string], \"reply\": string}. Keep each thought to one sentence."

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString("## Task\n")
	builder.WriteString(strings.TrimSpace(req.Task))
	builder.WriteString("\n")
	if len(req.Context) > 0 {
		builder.WriteString("\n## Context\n")
		for idx, entry := range req.Context {
			builder.WriteString(fmt.Sprintf("[%d] %s\n", idx+1, truncate(entry)))
			if idx >= 4 {
				break
			}
		}
	}
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 200 {
		return string([]rune(text)[:200]) + "..."
	}
	return text
}
