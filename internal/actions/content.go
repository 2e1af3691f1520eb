package actions

import (
	"context"
	"log/slog"
	"sort"

	"github.com/rendis/pulse/internal/logging"
	"github.com/rendis/pulse/pkg/schema"
)

// ContentActions returns one "content.<channel>" action per mapped channel,
// plus the default channel when it is not mapped. Mapped channels deliver
// through the webhook action; the unmapped default channel logs the content.
func ContentActions(channels map[string]string, httpCfg HTTPConfig, logger *slog.Logger) []Action {
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, 0, len(channels))
	for ch := range channels {
		names = append(names, ch)
	}
	sort.Strings(names)

	hook := NewWebhookAction(httpCfg)
	acts := make([]Action, 0, len(names)+1)
	for _, ch := range names {
		acts = append(acts, &contentAction{channel: ch, url: channels[ch], hook: hook, logger: logger})
	}
	if _, ok := channels[schema.DefaultContentChannel]; !ok {
		acts = append(acts, &contentAction{channel: schema.DefaultContentChannel, logger: logger})
	}
	return acts
}

type contentAction struct {
	channel string
	url     string
	hook    *WebhookAction
	logger  *slog.Logger
}

func (a *contentAction) Name() string { return "content." + a.channel }

func (a *contentAction) Schema() ActionSchema {
	desc := "Log rendered content."
	if a.url != "" {
		desc = "Deliver rendered content to the " + a.channel + " channel webhook."
	}
	return ActionSchema{Description: desc}
}

func (a *contentAction) Validate(input map[string]any) error {
	if stringParam(input, "body", "") == "" && stringParam(input, "subject", "") == "" && input["payload"] == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: content has no subject, body or payload", a.Name())
	}
	return nil
}

func (a *contentAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	content := make(map[string]any, len(input.Params)+1)
	for k, v := range input.Params {
		content[k] = v
	}
	content["channel"] = a.channel

	if a.url == "" {
		logging.LogWith(ctx, a.logger).Info("content delivered",
			slog.String("channel", a.channel),
			slog.String("subject", stringParam(content, "subject", "")),
			slog.String("body", stringParam(content, "body", "")),
		)
		return &ActionOutput{Data: map[string]any{"delivered": true, "channel": a.channel}}, nil
	}

	out, err := a.hook.Execute(ctx, ActionInput{Params: map[string]any{
		"url":  a.url,
		"body": content,
	}})
	if err != nil {
		return nil, err
	}
	resp, _ := out.Data.(map[string]any)
	return &ActionOutput{
		Data: map[string]any{
			"delivered":   true,
			"channel":     a.channel,
			"status_code": resp["status_code"],
			"response":    resp["body"],
		},
		Pending: out.Pending,
	}, nil
}
