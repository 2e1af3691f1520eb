package actions

import (
	"context"
	"log/slog"
)

// BuiltinConfig configures RegisterBuiltins.
type BuiltinConfig struct {
	Logger *slog.Logger
	HTTP   HTTPConfig
	// Channels maps a content channel to a webhook URL. Each entry is
	// registered as "content.<channel>". The default channel logs instead
	// unless it is mapped here.
	Channels map[string]string
	// Start backs "workflow.start"; the action is omitted when nil.
	Start StartFunc
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	all := make([]Action, 0, 16)
	all = append(all,
		&noopAction{},
		&logAction{logger: cfg.Logger},
		&failAction{},
		NewWebhookAction(cfg.HTTP),
	)
	all = append(all, ExprActions()...)
	all = append(all, TransformActions()...)
	all = append(all, ContentActions(cfg.Channels, cfg.HTTP, cfg.Logger)...)
	if cfg.Start != nil {
		all = append(all, &workflowStartAction{start: cfg.Start})
	}

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// --- noop ---

type noopAction struct{}

func (a *noopAction) Name() string { return "noop" }

func (a *noopAction) Schema() ActionSchema {
	return ActionSchema{Description: "Do nothing and echo the payload back as output."}
}

func (a *noopAction) Validate(map[string]any) error { return nil }

func (a *noopAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	return &ActionOutput{Data: input.Params}, nil
}
