package actions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/pulse/internal/logging"
	"github.com/rendis/pulse/pkg/schema"
)

// Registry maps action types to actions and dispatches rendered payloads to
// them. It is the engine's Dispatcher and the validator's ActionLookup.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{actions: map[string]Action{}, logger: logger}
}

// Register adds action under its own name. Names are unique.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(action.Name(), action)
}

// RegisterPrefixed registers acts as "prefix.<name>", e.g. "mcp.send_sms".
// It stops at the first clash and reports how many were added before it.
func (r *Registry) RegisterPrefixed(prefix string, acts []Action) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "action prefix is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range acts {
		name := prefix + "." + a.Name()
		if err := r.insertLocked(name, &prefixedAction{Action: a, name: name}); err != nil {
			return i, err
		}
	}
	return len(acts), nil
}

func (r *Registry) insertLocked(name string, a Action) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}
	if _, taken := r.actions[name]; taken {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	r.actions[name] = a
	return nil
}

func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	a, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	return a, nil
}

func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// List describes every registered action, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	infos := make([]ActionInfo, 0, len(r.actions))
	for name, a := range r.actions {
		infos = append(infos, ActionInfo{Name: name, Description: a.Schema().Description})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Dispatch runs actionType with payload. The only returned error is an
// unknown action type: rejected payloads and failed executions come back as
// a Result with Success false so the engine can record them on the node.
func (r *Registry) Dispatch(ctx context.Context, actionType string, payload map[string]any) (*Result, error) {
	action, err := r.Get(actionType)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	log := logging.LogWith(ctx, r.logger).With(slog.String("action", actionType))

	if err := action.Validate(payload); err != nil {
		log.Warn("action payload rejected", slog.String("error", err.Error()))
		return failed(err), nil
	}

	started := time.Now()
	out, err := action.Execute(ctx, ActionInput{Params: payload, Context: ScopeFrom(ctx)})
	took := slog.Duration("took", time.Since(started))
	if err != nil {
		log.Warn("action failed", slog.String("error", err.Error()), took)
		return failed(err), nil
	}

	res := &Result{Success: true}
	if out != nil {
		res.Output = out.Data
		res.Pending = out.Pending || pendingFlag(out.Data)
	}
	log.Debug("action dispatched", slog.Bool("pending", res.Pending), took)
	return res, nil
}

func failed(err error) *Result {
	return &Result{Error: schema.MessageOf(err)}
}

// pendingFlag reports whether an output object carries "pending": true.
func pendingFlag(data any) bool {
	m, _ := data.(map[string]any)
	p, _ := m["pending"].(bool)
	return p
}

// prefixedAction renames an action and otherwise delegates to it.
type prefixedAction struct {
	Action
	name string
}

func (p *prefixedAction) Name() string { return p.name }

var _ Dispatcher = (*Registry)(nil)
