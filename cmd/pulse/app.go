package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/pulse/internal/actions"
	"github.com/rendis/pulse/internal/approval"
	"github.com/rendis/pulse/internal/engine"
	"github.com/rendis/pulse/internal/ingest"
	"github.com/rendis/pulse/internal/lease"
	"github.com/rendis/pulse/internal/logging"
	"github.com/rendis/pulse/internal/rules"
	"github.com/rendis/pulse/internal/signals"
	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/internal/telemetry"
	"github.com/rendis/pulse/internal/triggers"
	"github.com/rendis/pulse/internal/validation"
	pmcp "github.com/rendis/pulse/pkg/mcp"
)

const serviceName = "pulse"

// app holds the wired runtime shared by every command.
type app struct {
	cfg    Config
	logger *slog.Logger

	store     *store.LibSQLStore
	leases    lease.Table
	actions   *actions.Registry
	validator *validation.WorkflowValidator
	engine    *engine.Engine
	rules     *rules.Registry
	triggers  *triggers.Service

	pub message.Publisher
	sub message.Subscriber

	closers []func() error
}

// openOptions selects the optional parts of the runtime.
type openOptions struct {
	// transport opens the configured pub/sub. Without it events are only
	// written to the store.
	transport bool
	// tools connects the configured MCP servers.
	tools bool
}

func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	logger, err := logging.New(w, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func openApp(ctx context.Context, cfg Config, opts openOptions) (a *app, err error) {
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Tracing {
		shutdown, tErr := telemetry.Setup(ctx, serviceName)
		if tErr != nil {
			return nil, fmt.Errorf("setup tracing: %w", tErr)
		}
		a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.leases = lease.NewMemoryTable(0)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		a.leases = lease.NewRedisTable(client, serviceName)
	}

	if opts.transport {
		if err := a.openTransport(); err != nil {
			return nil, err
		}
	}

	_, _, leaseTTL := cfg.durations()
	a.actions = actions.NewRegistry(logger)

	events := store.NewEventLog(st, store.WithEventLogger(logger))
	if a.pub != nil {
		events = store.NewEventLog(st, store.WithEventLogger(logger),
			store.WithPublisher(ingest.NewEventPublisher(a.pub, cfg.EventsTopic)))
	}

	a.validator, err = validation.NewWorkflowValidator(a.actions)
	if err != nil {
		return nil, err
	}
	a.engine, err = engine.New(engine.Config{
		Store:      st,
		Dispatcher: a.actions,
		Events:     events,
		Leases:     a.leases,
		Validator:  a.validator,
		Tracer:     telemetry.Tracer("pulse/engine"),
		Logger:     logger,
		LeaseTTL:   leaseTTL,
	})
	if err != nil {
		return nil, err
	}

	if err := actions.RegisterBuiltins(a.actions, actions.BuiltinConfig{
		Logger:   logger,
		HTTP:     actions.HTTPConfig{Secret: cfg.WebhookSecret},
		Channels: cfg.Channels,
		Start:    a.startWorkflow,
	}); err != nil {
		return nil, err
	}

	var oracle approval.Oracle
	if opts.tools {
		oracle, err = a.connectTools(ctx)
		if err != nil {
			return nil, err
		}
	}

	deriver, err := signals.NewDeriver(logger)
	if err != nil {
		return nil, err
	}
	a.rules = rules.NewRegistry(rules.Config{
		Fires:   st,
		Oracle:  oracle,
		Deriver: deriver,
		Tracer:  telemetry.Tracer("pulse/rules"),
		Logger:  logger,
	})
	if _, err := a.rules.Load(ctx, st); err != nil {
		logger.Warn("some stored rules were rejected", slog.String("error", err.Error()))
	}

	a.triggers, err = triggers.New(triggers.Config{
		Rules:      a.rules,
		Engine:     a.engine,
		Dispatcher: a.actions,
		Workflows:  st,
		Tracer:     telemetry.Tracer("pulse/triggers"),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openTransport() error {
	switch a.cfg.Transport {
	case "kafka":
		pub, sub, err := ingest.NewKafka(ingest.KafkaConfig{
			Brokers:       a.cfg.KafkaBrokers,
			ConsumerGroup: a.cfg.ConsumerGroup,
			OTEL:          a.cfg.Tracing,
		}, a.logger)
		if err != nil {
			return err
		}
		a.pub, a.sub = pub, sub
		a.closers = append(a.closers, pub.Close, sub.Close)
	default:
		ch := ingest.NewGoChannel(a.logger)
		a.pub, a.sub = ch, ch
		a.closers = append(a.closers, ch.Close)
	}
	return nil
}

// connectTools registers the tools of every configured MCP server as
// actions and returns the approval oracle, if one is configured.
func (a *app) connectTools(ctx context.Context) (approval.Oracle, error) {
	var oracle approval.Oracle
	for _, sc := range a.cfg.MCPServers {
		client, err := pmcp.Connect(ctx, sc, a.logger)
		if err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", sc.Name, err)
		}
		a.closers = append(a.closers, client.Close)

		n, err := actions.RegisterMCPTools(ctx, a.actions, client, "")
		if err != nil {
			return nil, err
		}
		a.logger.Info("mcp tools registered", slog.String("server", sc.Name), slog.Int("count", n))

		if sc.Name == a.cfg.ApprovalServer {
			oracle = approval.NewMCPOracle(client, approval.MCPOracleConfig{
				Tool:   a.cfg.ApprovalTool,
				Logger: a.logger,
			})
		}
	}
	return oracle, nil
}

// startWorkflow backs the workflow.start action.
func (a *app) startWorkflow(ctx context.Context, workflowID string, data map[string]any) (string, error) {
	exec, err := a.engine.Start(ctx, engine.StartRequest{WorkflowID: workflowID, TriggerData: data})
	if err != nil {
		return "", err
	}
	return exec.ID, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
