package gocommand

import (
	"context"
	"fmt"
	"slices"
	"strings"
	gosync "sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	goerrors "github.com/goliatone/go-errors"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"

	"github.com/edulure/go-relay/core"
)

// MessageNamespace prefixes every relay command and query type.
const MessageNamespace = "relay."

// QueueResolverKey names the resolver that mirrors commands into go-job.
const QueueResolverKey = "relay.queue"

// ValidateMessageContract checks that msg has a namespaced Type() and passes
// its own Validate() when it has one.
func ValidateMessageContract(msg any) error {
	m, ok := msg.(command.Message)
	if !ok {
		return core.NewError("gocommand: message must implement Type() string", goerrors.CategoryInternal, core.ErrorInternal)
	}
	messageType := strings.TrimSpace(m.Type())
	if messageType == "" {
		return core.ValidationError("type", "message type is required")
	}
	if !strings.HasPrefix(messageType, MessageNamespace) {
		return core.ValidationError("type", fmt.Sprintf("message type %q is outside the %s namespace", messageType, MessageNamespace))
	}
	return command.ValidateMessage(msg)
}

// RegistryAdapter owns the go-command registry the relay handlers live in and
// remembers which message types were registered on it.
type RegistryAdapter struct {
	registry *command.Registry

	mu    gosync.Mutex
	types []string
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

// Types lists the registered message types in sorted order.
func (a *RegistryAdapter) Types() []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := slices.Clone(a.types)
	slices.Sort(out)
	return out
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if !a.configured() {
		return errRegistryNotConfigured()
	}
	return a.registry.RegisterCommand(cmd)
}

// RegisterQuery stores qry on the registry. go-command keeps commands and
// queries in one table.
func (a *RegistryAdapter) RegisterQuery(qry any) error {
	return a.RegisterCommand(qry)
}

// MirrorToQueue mirrors registered commands into queueRegistry so go-job
// workers can execute them.
func (a *RegistryAdapter) MirrorToQueue(queueRegistry *jobqueuecommand.Registry) error {
	if !a.configured() {
		return errRegistryNotConfigured()
	}
	if queueRegistry == nil {
		return core.ValidationError("queue_registry", "queue registry is required")
	}
	return a.registry.AddResolver(QueueResolverKey, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) Mirrored() bool {
	return a.configured() && a.registry.HasResolver(QueueResolverKey)
}

func (a *RegistryAdapter) Initialize() error {
	if !a.configured() {
		return errRegistryNotConfigured()
	}
	return a.registry.Initialize()
}

func (a *RegistryAdapter) configured() bool {
	return a != nil && a.registry != nil
}

func (a *RegistryAdapter) track(messageType string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.types, messageType) {
		a.types = append(a.types, messageType)
	}
}

// Dispatch sends msg to its subscribed command and returns failures as rich
// relay errors.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return mapped(commanddispatcher.Dispatch(ctx, msg))
}

// Query runs msg against its subscribed query.
func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	result, err := commanddispatcher.Query[T, R](ctx, msg)
	return result, mapped(err)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	messageType, err := registrationType[T](adapter, cmd != nil)
	if err != nil {
		return nil, err
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		unsubscribe(subscription)
		return nil, err
	}
	adapter.track(messageType)
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	messageType, err := registrationType[T](adapter, qry != nil)
	if err != nil {
		return nil, err
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		unsubscribe(subscription)
		return nil, err
	}
	adapter.track(messageType)
	return subscription, nil
}

func registrationType[T any](adapter *RegistryAdapter, hasHandler bool) (string, error) {
	if !adapter.configured() {
		return "", errRegistryNotConfigured()
	}
	if !hasHandler {
		return "", core.ValidationError("handler", "handler is required")
	}
	var zero T
	m, ok := any(zero).(command.Message)
	if !ok {
		return "", core.NewError(fmt.Sprintf("gocommand: %T must implement Type() string", zero), goerrors.CategoryInternal, core.ErrorInternal)
	}
	messageType := strings.TrimSpace(m.Type())
	if !strings.HasPrefix(messageType, MessageNamespace) {
		return "", core.ValidationError("type", fmt.Sprintf("message type %q is outside the %s namespace", messageType, MessageNamespace))
	}
	return messageType, nil
}

func unsubscribe(subscription commanddispatcher.Subscription) {
	if subscription != nil {
		subscription.Unsubscribe()
	}
}

func mapped(err error) error {
	if err == nil {
		return nil
	}
	return core.MapError(err)
}

func errRegistryNotConfigured() error {
	return core.NewError("gocommand: registry is not configured", goerrors.CategoryInternal, core.ErrorConfigInvalid)
}
