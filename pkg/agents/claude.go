package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentflow/pkg/logx"
	"agentflow/pkg/tdd"
)

// DefaultClaudeModel is the model used when none is configured.
const DefaultClaudeModel = "claude-3-5-sonnet-20241022"

// ClaudeAgent is an LLM-backed agent speaking the same capability
// contract as the built-in agents. The capability is optional: when no
// API key is configured the registry simply never receives one.
type ClaudeAgent struct {
	name         string
	capabilities map[string]bool
	client       anthropic.Client
	model        anthropic.Model
	maxTokens    int64
	logger       *logx.Logger
}

// NewClaudeAgent creates a Claude-backed agent advertising the given
// capabilities under the given agent type name.
func NewClaudeAgent(name, apiKey, model string, capabilities map[string]bool) *ClaudeAgent {
	if model == "" {
		model = DefaultClaudeModel
	}
	return &ClaudeAgent{
		name:         name,
		capabilities: capabilities,
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:        anthropic.Model(model),
		maxTokens:    4096,
		logger:       logx.NewLogger("claude-" + name),
	}
}

// Name returns the agent type name.
func (a *ClaudeAgent) Name() string { return a.name }

// Capabilities returns the advertised capability tags.
func (a *ClaudeAgent) Capabilities() map[string]bool {
	out := make(map[string]bool, len(a.capabilities))
	for k, v := range a.capabilities {
		out[k] = v
	}
	return out
}

// Run sends the task command and context to the model and returns the
// completion as the task output.
func (a *ClaudeAgent) Run(ctx context.Context, task *Task, dryRun bool) (*Result, error) {
	prompt := task.Command
	if len(task.Context) > 0 {
		prompt = fmt.Sprintf("%s\n\nContext:\n%v", task.Command, task.Context)
	}
	if dryRun {
		prompt += "\n\nThis is a dry run: propose changes as a diff, do not assume they will be applied."
	}

	start := time.Now()
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude completion failed: %w", err)
	}

	var output string
	for _, block := range message.Content {
		if block.Type == "text" {
			output += block.Text
		}
	}
	a.logger.Debug("completion for task %s: %d content blocks", task.ID, len(message.Content))

	return &Result{
		OK:            true,
		Output:        output,
		Quarantined:   dryRun,
		ExecutionTime: time.Since(start),
	}, nil
}

// ExecuteTDDPhase runs the phase work as a single completion.
func (a *ClaudeAgent) ExecuteTDDPhase(ctx context.Context, state tdd.State, phaseContext map[string]any) (*Result, error) {
	task := NewTask(a.name, fmt.Sprintf("perform the %s phase of the TDD cycle", state), phaseContext)
	return a.Run(ctx, task, false)
}
