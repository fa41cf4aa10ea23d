package eino

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gemini "github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"sequencer/internal/logger"
)

// Config represents the configuration for the Eino chat model
type Config struct {
	Provider    string  `json:"provider"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// systemPrompt frames every completion. The outreach prompt itself carries
// the step format, so this stays short.
const systemPrompt = "You are a precise copywriting assistant. Follow the output format in the user message exactly and add nothing before the first step marker."

// Service completes plain-text prompts through an Eino chat model.
type Service struct {
	config    Config
	chatModel model.BaseChatModel
	log       *logger.Logger
}

// TokenUsage is the usage reported by the provider for one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// NewService creates a new Eino service with the configured provider
func NewService(ctx context.Context, config Config) (*Service, error) {
	s := &Service{config: config, log: logger.New("Eino")}
	if err := s.initializeChatModel(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize chat model: %w", err)
	}
	return s, nil
}

// NewServiceWithModel creates a service around a pre-configured chat model
func NewServiceWithModel(config Config, chatModel model.BaseChatModel) *Service {
	return &Service{config: config, chatModel: chatModel, log: logger.New("Eino")}
}

func (s *Service) initializeChatModel(ctx context.Context) error {
	switch strings.ToLower(s.config.Provider) {
	case "gemini", "":
		return s.initializeGeminiModel(ctx)
	default:
		return fmt.Errorf("unsupported provider: %s. Supported: gemini", s.config.Provider)
	}
}

// initializeGeminiModel sets up Google Gemini as the LLM provider
func (s *Service) initializeGeminiModel(ctx context.Context) error {
	if s.config.APIKey == "" {
		return errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: s.config.APIKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}

	geminiModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client: client,
		Model:  s.config.Model,
	})
	if err != nil {
		return fmt.Errorf("failed to create Gemini chat model: %w", err)
	}
	s.chatModel = geminiModel
	return nil
}

// Complete sends prompt as a single user turn and returns the reply text.
func (s *Service) Complete(ctx context.Context, prompt string) (string, error) {
	if s.chatModel == nil {
		return "", errors.New("chat model not initialized")
	}
	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(prompt),
	}

	response, err := s.chatModel.Generate(ctx, messages, s.options()...)
	if err != nil {
		return "", fmt.Errorf("llm generation failed: %w", err)
	}
	if response == nil {
		return "", errors.New("llm returned no message")
	}
	if usage := ExtractTokenUsage(response); usage.TotalTokens > 0 {
		s.log.LogDebugf("completion used %d tokens (%d in, %d out)", usage.TotalTokens, usage.InputTokens, usage.OutputTokens)
	}
	return response.Content, nil
}

func (s *Service) options() []model.Option {
	var opts []model.Option
	if s.config.Model != "" {
		opts = append(opts, model.WithModel(s.config.Model))
	}
	if s.config.Temperature > 0 {
		opts = append(opts, model.WithTemperature(s.config.Temperature))
	}
	if s.config.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(s.config.MaxTokens))
	}
	return opts
}

// ExtractTokenUsage reads provider usage from the response metadata, falling
// back to the ~4 characters per token estimate for the output side.
func ExtractTokenUsage(response *schema.Message) TokenUsage {
	var usage TokenUsage
	if response == nil {
		return usage
	}
	if response.ResponseMeta != nil && response.ResponseMeta.Usage != nil {
		u := response.ResponseMeta.Usage
		usage.InputTokens = u.PromptTokens
		usage.OutputTokens = u.CompletionTokens
		usage.TotalTokens = u.TotalTokens
	}
	if usage.TotalTokens == 0 && response.Content != "" {
		usage.OutputTokens = len(response.Content) / 4
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return usage
}
