package provider

import (
	"strings"
	"time"

	"AVA-Chain/internal/config"
	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/llm"
	"AVA-Chain/internal/llm/openai"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// AIProvider 对应 settings 帧中的 aiProvider 字段。
type AIProvider struct {
	Provider  string `json:"provider"`
	APIKey    string `json:"apiKey"`
	ModelName string `json:"modelName"`
	BaseURL   string `json:"baseUrl,omitempty"`
}

// Settings 是客户端下发的运行时设置。
type Settings struct {
	AIProvider           AIProvider `json:"aiProvider"`
	EnablePrivateCompute bool       `json:"enablePrivateCompute"`
}

// FromConfig 根据启动配置构建大模型客户端。
func FromConfig(cfg config.LLMConfig) (string, llm.Client, error) {
	return build(AIProvider{
		Provider:  cfg.Provider,
		APIKey:    cfg.APIKey,
		ModelName: cfg.Model,
		BaseURL:   cfg.BaseURL,
	}, cfg.Timeout.Duration)
}

// FromSettings 根据 settings 帧构建大模型客户端。
func FromSettings(s Settings, timeout time.Duration) (string, llm.Client, error) {
	return build(s.AIProvider, timeout)
}

func build(p AIProvider, timeout time.Duration) (string, llm.Client, error) {
	name := strings.ToLower(strings.TrimSpace(p.Provider))
	switch name {
	case "", "echo":
		return "echo", llm.Echo{}, nil
	case "openai", "groq":
		baseURL := p.BaseURL
		if baseURL == "" && name == "groq" {
			baseURL = groqBaseURL
		}
		client, err := openai.NewClient(openai.Config{
			APIKey:  p.APIKey,
			BaseURL: baseURL,
			Model:   p.ModelName,
			Timeout: timeout,
		})
		if err != nil {
			return "", nil, err
		}
		return name, client, nil
	default:
		return "", nil, xerrors.New(xerrors.CodeConfigInvalid, "不支持的大模型提供方: "+p.Provider,
			xerrors.WithMetadata("provider", p.Provider))
	}
}
