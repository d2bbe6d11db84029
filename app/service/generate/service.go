package generate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/samber/do"
	"github.com/tmc/langchaingo/agents"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/tools"

	"github.com/pablioRichardy/agentle/app/config"
	"github.com/pablioRichardy/agentle/app/service/batch"
	"github.com/pablioRichardy/agentle/app/service/store"
)

//go:embed reply_prompt_template.txt
var replyPromptTemplate string

const (
	defaultTemperature = 1.0
	maxReplyTokens     = 500
	historyLimit       = 20
	maxToolIterations  = 5
)

var _ do.Shutdownable = (*Service)(nil)

// Service generates reply text for closed batches. Conversation context
// comes from the store archive so it survives restarts; optional MCP
// tool servers are exposed to the agent.
type Service struct {
	cfg      *config.Config
	storeSvc *store.Service

	llm   *openai.LLM
	tools []tools.Tool

	mcpClients []*mcpServerHandle
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	llm, err := openai.New(
		openai.WithToken(cfg.OpenAI.Reply.Token),
		openai.WithBaseURL(cfg.OpenAI.Reply.BaseURL),
		openai.WithModel(cfg.OpenAI.Reply.Model),
		openai.WithCallback(logCallbackHandler{}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		storeSvc: do.MustInvoke[*store.Service](di),
		llm:      llm,
	}

	if err := s.initMCPTools(cfg.OpenAI.MCPServers); err != nil {
		return nil, fmt.Errorf("failed to initialize MCP tools: %w", err)
	}

	return s, nil
}

// Generate implements the dispatch.Generator contract.
func (s *Service) Generate(ctx context.Context, conversationID string, b *batch.Batch) (string, error) {
	prompt, err := s.buildPrompt(ctx, conversationID, b)
	if err != nil {
		return "", err
	}

	var reply string
	if len(s.tools) > 0 {
		reply, err = s.runAgent(ctx, prompt)
	} else {
		reply, err = llms.GenerateFromSinglePrompt(ctx, s.llm, prompt,
			llms.WithTemperature(defaultTemperature),
			llms.WithMaxTokens(maxReplyTokens),
		)
	}
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("empty completion for conversation %s", conversationID)
	}

	return reply, nil
}

func (s *Service) runAgent(ctx context.Context, prompt string) (string, error) {
	agent := agents.NewOneShotAgent(s.llm, s.tools,
		agents.WithMaxIterations(maxToolIterations),
		agents.WithCallbacksHandler(logCallbackHandler{}),
	)

	return chains.Run(ctx, agents.NewExecutor(agent), prompt)
}

func (s *Service) buildPrompt(ctx context.Context, conversationID string, b *batch.Batch) (string, error) {
	history, err := s.storeSvc.RecentMessages(ctx, conversationID, historyLimit)
	if err != nil {
		slog.Warn("Failed to load conversation history",
			"conversation", conversationID,
			"error", err)
		history = nil
	}

	templateValues := map[string]any{
		"bot_name":     s.cfg.Bot.Name,
		"now":          time.Now().Format("15:04:05"),
		"history":      formatHistory(history, b),
		"new_messages": formatBatch(b),
	}

	prompt := replyPromptTemplate
	for key, value := range templateValues {
		prompt = strings.ReplaceAll(prompt, "{"+key+"}", fmt.Sprint(value))
	}

	return prompt, nil
}

func formatBatch(b *batch.Batch) string {
	var builder strings.Builder

	for _, msg := range b.Messages {
		text := msg.Text
		if text == "" && msg.MediaURL != "" {
			text = "[attachment] " + msg.MediaURL
		}
		builder.WriteString(fmt.Sprintf("%s - %s: %s\n",
			msg.ReceivedAt.Format("15:04:05"), msg.Sender, text))
	}

	return builder.String()
}

// formatHistory renders archived messages, skipping the ones that are
// part of the current batch so they only appear as new messages.
func formatHistory(history []batch.Message, b *batch.Batch) string {
	inBatch := make(map[string]bool, len(b.Messages))
	for _, msg := range b.Messages {
		inBatch[msg.ID.String()] = true
	}

	var builder strings.Builder

	for _, msg := range history {
		if inBatch[msg.ID.String()] {
			continue
		}
		builder.WriteString(fmt.Sprintf("%s - %s: %s\n",
			msg.ReceivedAt.Format("15:04:05"), msg.Sender, msg.Text))
	}

	if builder.Len() == 0 {
		return "No earlier messages"
	}

	return builder.String()
}

func (s *Service) Shutdown() error {
	for _, handle := range s.mcpClients {
		handle.close()
	}

	return nil
}
