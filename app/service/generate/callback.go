package generate

import (
	"context"
	"log/slog"

	"github.com/tmc/langchaingo/callbacks"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

var _ callbacks.Handler = logCallbackHandler{}

// logCallbackHandler surfaces LLM, chain and tool errors through slog;
// everything else stays quiet.
type logCallbackHandler struct{}

func (logCallbackHandler) HandleLLMError(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "LLM error", "error", err)
}

func (logCallbackHandler) HandleChainError(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "Chain error", "error", err)
}

func (logCallbackHandler) HandleToolError(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "Tool error", "error", err)
}

func (logCallbackHandler) HandleToolStart(ctx context.Context, input string) {
	slog.DebugContext(ctx, "Tool start", "input", input)
}

func (logCallbackHandler) HandleToolEnd(ctx context.Context, output string) {
	slog.DebugContext(ctx, "Tool end", "output", output)
}

func (logCallbackHandler) HandleText(context.Context, string) {}

func (logCallbackHandler) HandleLLMStart(context.Context, []string) {}

func (logCallbackHandler) HandleLLMGenerateContentStart(context.Context, []llms.MessageContent) {}

func (logCallbackHandler) HandleLLMGenerateContentEnd(context.Context, *llms.ContentResponse) {}

func (logCallbackHandler) HandleChainStart(context.Context, map[string]any) {}

func (logCallbackHandler) HandleChainEnd(context.Context, map[string]any) {}

func (logCallbackHandler) HandleAgentAction(context.Context, schema.AgentAction) {}

func (logCallbackHandler) HandleAgentFinish(context.Context, schema.AgentFinish) {}

func (logCallbackHandler) HandleRetrieverStart(context.Context, string) {}

func (logCallbackHandler) HandleRetrieverEnd(context.Context, string, []schema.Document) {}

func (logCallbackHandler) HandleStreamingFunc(context.Context, []byte) {}
