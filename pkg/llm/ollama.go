package llm

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"docuvector-go/internal/config"
	"docuvector-go/pkg/errs"
)

// Ollama 通过 langchaingo 调用本地 Ollama 模型。
type Ollama struct {
	model llms.Model
	gen   config.LLMGenerationConfig
}

// NewOllama 连接 cfg.BaseURL 上的 Ollama 服务。
func NewOllama(cfg config.LLMConfig) (*Ollama, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	model, err := ollama.New(opts...)
	if err != nil {
		return nil, errs.E(errs.Configuration, "llm.ollama", err)
	}
	return &Ollama{model: model, gen: cfg.Generation}, nil
}

func toMessageContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case "system":
			role = llms.ChatMessageTypeSystem
		case "assistant":
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func (o *Ollama) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error {
	if gen == nil {
		gen = defaultParams(o.gen)
	}
	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return writer.WriteMessage(websocket.TextMessage, chunk)
		}),
	}
	if gen.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*gen.Temperature))
	}
	if gen.TopP != nil {
		opts = append(opts, llms.WithTopP(*gen.TopP))
	}
	if gen.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*gen.MaxTokens))
	}
	if _, err := o.model.GenerateContent(ctx, toMessageContent(messages), opts...); err != nil {
		if ctx.Err() != nil {
			return errs.E(errs.Other, "llm.ollama", ctx.Err())
		}
		return errs.E(errs.TransientService, "llm.ollama", err)
	}
	return nil
}
