package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/errgroup"

	"github.com/edulure/go-relay/adapters/gocommand"
	"github.com/edulure/go-relay/adapters/gojob"
	"github.com/edulure/go-relay/adapters/gologger"
	relaycommand "github.com/edulure/go-relay/command"
	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/events"
	"github.com/edulure/go-relay/providers"
	"github.com/edulure/go-relay/providers/hubspot"
	"github.com/edulure/go-relay/providers/salesforce"
	sqlstore "github.com/edulure/go-relay/store/sql"
	"github.com/edulure/go-relay/sync"
	"github.com/edulure/go-relay/webhooks"
)

type Option func(*engineBuilder)

type engineBuilder struct {
	logger            core.Logger
	loggerProvider    core.LoggerProvider
	metrics           core.MetricsRecorder
	configProvider    core.ConfigProvider
	optionsResolver   core.OptionsResolver
	persistenceClient any
	repositoryFactory core.RepositoryStoreFactory
	stores            core.StoreProvider
	candidateSource   sync.CandidateSource
	crmClients        []sync.CRMClient
	jobLocker         sync.JobLocker
	jobEnqueuer       core.JobEnqueuer
	transport         core.TransportAdapter
	now               func() time.Time
}

func WithLogger(logger core.Logger) Option {
	return func(b *engineBuilder) { b.logger = logger }
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *engineBuilder) { b.loggerProvider = provider }
}

func WithMetricsRecorder(metrics core.MetricsRecorder) Option {
	return func(b *engineBuilder) { b.metrics = metrics }
}

// WithConfigProvider loads file or environment config beneath the runtime config.
func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(b *engineBuilder) { b.configProvider = provider }
}

func WithOptionsResolver(resolver core.OptionsResolver) Option {
	return func(b *engineBuilder) { b.optionsResolver = resolver }
}

// WithPersistenceClient builds the SQL stores from a go-persistence-bun
// client or a *bun.DB.
func WithPersistenceClient(client any) Option {
	return func(b *engineBuilder) { b.persistenceClient = client }
}

func WithRepositoryFactory(factory core.RepositoryStoreFactory) Option {
	return func(b *engineBuilder) { b.repositoryFactory = factory }
}

// WithStores uses prebuilt stores and skips the repository factory.
func WithStores(stores core.StoreProvider) Option {
	return func(b *engineBuilder) { b.stores = stores }
}

func WithCandidateSource(source sync.CandidateSource) Option {
	return func(b *engineBuilder) { b.candidateSource = source }
}

// WithCRMClient registers client in place of the configured client for the
// same integration.
func WithCRMClient(client sync.CRMClient) Option {
	return func(b *engineBuilder) {
		if client != nil {
			b.crmClients = append(b.crmClients, client)
		}
	}
}

func WithJobLocker(locker sync.JobLocker) Option {
	return func(b *engineBuilder) { b.jobLocker = locker }
}

// WithJobEnqueuer makes the scheduler enqueue firings for queue workers
// instead of running them in process.
func WithJobEnqueuer(enqueuer core.JobEnqueuer) Option {
	return func(b *engineBuilder) { b.jobEnqueuer = enqueuer }
}

// WithTransport replaces the HTTP transport used for webhook deliveries and
// CRM calls.
func WithTransport(adapter core.TransportAdapter) Option {
	return func(b *engineBuilder) { b.transport = adapter }
}

func WithClock(now func() time.Time) Option {
	return func(b *engineBuilder) { b.now = now }
}

// Engine wires the webhook bus, the domain event dispatcher and the
// integration orchestrator over one set of stores.
type Engine struct {
	config       core.Config
	stores       core.StoreProvider
	recorder     core.DomainEventRecorder
	bus          *webhooks.Bus
	dispatcher   *events.Dispatcher
	orchestrator *sync.Orchestrator
	scheduler    *sync.Scheduler
	jobRunner    *gojob.Runner
	facade       *Facade
	loggers      gologger.Components
	observer     *core.Observer
}

func NewEngine(ctx context.Context, cfg core.Config, opts ...Option) (*Engine, error) {
	builder := engineBuilder{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	resolved, err := core.ResolveConfig(ctx, builder.configProvider, builder.optionsResolver, cfg)
	if err != nil {
		return nil, err
	}
	loggers := gologger.ResolveComponents(resolved.ServiceName, builder.loggerProvider, builder.logger)
	if builder.metrics == nil {
		builder.metrics = core.NopMetricsRecorder{}
	}

	stores, err := builder.resolveStores()
	if err != nil {
		return nil, err
	}
	root := builder.logger
	if loggers.Provider != nil {
		root = loggers.Provider.GetLogger(resolved.ServiceName)
	}
	engine := &Engine{
		config:   resolved,
		stores:   stores,
		loggers:  loggers,
		observer: core.NewObserver("relay.engine", glog.Ensure(root), builder.metrics),
	}
	if recorder, ok := stores.(interface {
		DomainEventRecorder() core.DomainEventRecorder
	}); ok {
		engine.recorder = recorder.DomainEventRecorder()
	}

	busOpts := []webhooks.Option{
		webhooks.WithDeadLetterSink(stores.DeadLetterStore()),
		webhooks.WithLogger(loggers.Bus),
		webhooks.WithMetrics(builder.metrics),
		webhooks.WithClock(builder.now),
	}
	if builder.transport != nil {
		busOpts = append(busOpts, webhooks.WithTransport(builder.transport))
	}
	engine.bus, err = webhooks.NewBus(stores.SubscriptionStore(), stores.WebhookStore(), resolved.Bus, busOpts...)
	if err != nil {
		return nil, err
	}

	engine.dispatcher, err = events.NewDispatcher(
		stores.DomainEventStore(),
		stores.DispatchStore(),
		engine.bus,
		resolved.Dispatcher,
		events.WithDeadLetterSink(stores.DeadLetterStore()),
		events.WithLogger(loggers.Dispatcher),
		events.WithMetrics(builder.metrics),
		events.WithClock(builder.now),
	)
	if err != nil {
		return nil, err
	}

	source, err := builder.resolveCandidateSource(stores)
	if err != nil {
		return nil, err
	}
	integrations, err := builder.integrations(resolved, loggers.Sync)
	if err != nil {
		return nil, err
	}
	orchestratorOpts := []sync.Option{
		sync.WithLogger(loggers.Sync),
		sync.WithMetrics(builder.metrics),
		sync.WithClock(builder.now),
	}
	for _, integration := range integrations {
		orchestratorOpts = append(orchestratorOpts, sync.WithIntegration(integration))
	}
	if builder.jobLocker != nil {
		orchestratorOpts = append(orchestratorOpts, sync.WithJobLocker(builder.jobLocker))
	}
	engine.orchestrator, err = sync.NewOrchestrator(
		stores.SyncRunStore(),
		stores.ReconciliationStore(),
		source,
		resolved.Orchestrator,
		orchestratorOpts...,
	)
	if err != nil {
		return nil, err
	}

	schedulerOpts := []sync.SchedulerOption{
		sync.WithSchedulerLogger(loggers.Scheduler),
		sync.WithSchedulerMetrics(builder.metrics),
	}
	if builder.jobEnqueuer != nil {
		schedulerOpts = append(schedulerOpts, sync.WithJobRunner(gojob.Trigger(builder.jobEnqueuer)))
	}
	engine.scheduler, err = sync.NewScheduler(engine.orchestrator, resolved.Orchestrator.Schedules, schedulerOpts...)
	if err != nil {
		return nil, err
	}

	engine.jobRunner, err = gojob.NewRunner(engine.orchestrator,
		gojob.WithDispatchRecoverer(engine.dispatcher),
		gojob.WithRunnerLogger(loggers.Jobs),
		gojob.WithRunnerMetrics(builder.metrics),
	)
	if err != nil {
		return nil, err
	}

	replayOpts := []relaycommand.ReplayOption{relaycommand.WithDefaultMaxAttempts(resolved.Bus.DefaultMaxAttempts)}
	if builder.now != nil {
		replayOpts = append(replayOpts, relaycommand.WithReplayClock(builder.now))
	}
	engine.facade, err = NewFacade(FacadeDependencies{
		Stores:    stores,
		Publisher: engine.bus,
		Runner:    engine.orchestrator,
		Recoverer: engine.dispatcher,
	}, WithReplayOptions(replayOpts...))
	if err != nil {
		return nil, err
	}

	engine.observer.Info(ctx, "engine ready", map[string]any{
		"integrations": engine.orchestrator.Integrations(),
		"scheduled":    len(engine.scheduler.Jobs(time.Now())),
		"queued_jobs":  builder.jobEnqueuer != nil,
	})
	return engine, nil
}

func (b *engineBuilder) resolveStores() (core.StoreProvider, error) {
	if b.stores != nil {
		return b.stores, nil
	}
	factory := b.repositoryFactory
	if factory == nil {
		if b.persistenceClient == nil {
			return nil, core.NewError("relay: stores, repository factory or persistence client is required", goerrors.CategoryValidation, core.ErrorConfigInvalid)
		}
		factory = sqlstore.NewRepositoryFactory()
	}
	return factory.BuildStores(b.persistenceClient)
}

func (b *engineBuilder) resolveCandidateSource(stores core.StoreProvider) (sync.CandidateSource, error) {
	if b.candidateSource != nil {
		return b.candidateSource, nil
	}
	if provider, ok := stores.(interface{ ContactSource() *sqlstore.ContactSource }); ok {
		if source := provider.ContactSource(); source != nil {
			return source, nil
		}
	}
	return nil, core.NewError("relay: candidate source is required", goerrors.CategoryValidation, core.ErrorConfigInvalid)
}

// integrations builds a breaker-guarded client for each enabled integration.
// Clients passed through WithCRMClient take precedence.
func (b *engineBuilder) integrations(cfg core.Config, logger core.Logger) ([]sync.Integration, error) {
	overrides := map[string]sync.CRMClient{}
	for _, client := range b.crmClients {
		overrides[client.Integration()] = client
	}
	var out []sync.Integration

	hubspotCfg := cfg.Integrations.HubSpot
	if client, ok := overrides[core.IntegrationHubSpot]; ok {
		out = append(out, sync.Integration{Client: client, BatchSize: hubspotCfg.BatchSize, Window: minutes(hubspotCfg.WindowMinutes)})
		delete(overrides, core.IntegrationHubSpot)
	} else if hubspotCfg.Enabled {
		opts := []hubspot.Option{hubspot.WithBreaker(providers.NewBreaker("hubspot", cfg.Breaker, logger))}
		if b.transport != nil {
			opts = append(opts, hubspot.WithTransport(b.transport))
		}
		client, err := hubspot.New(hubspot.ConfigFrom(hubspotCfg), opts...)
		if err != nil {
			return nil, fmt.Errorf("relay: hubspot client: %w", err)
		}
		out = append(out, sync.Integration{Client: client, BatchSize: client.BatchSize(), Window: minutes(hubspotCfg.WindowMinutes)})
	}

	salesforceCfg := cfg.Integrations.Salesforce
	if client, ok := overrides[core.IntegrationSalesforce]; ok {
		out = append(out, sync.Integration{Client: client, BatchSize: salesforceCfg.BatchSize, Window: minutes(salesforceCfg.WindowMinutes)})
		delete(overrides, core.IntegrationSalesforce)
	} else if salesforceCfg.Enabled {
		opts := []salesforce.Option{salesforce.WithBreaker(providers.NewBreaker("salesforce", cfg.Breaker, logger))}
		if b.transport != nil {
			opts = append(opts, salesforce.WithTransport(b.transport))
		}
		if b.now != nil {
			opts = append(opts, salesforce.WithClock(b.now))
		}
		client, err := salesforce.New(salesforce.ConfigFrom(salesforceCfg), opts...)
		if err != nil {
			return nil, fmt.Errorf("relay: salesforce client: %w", err)
		}
		out = append(out, sync.Integration{Client: client, BatchSize: client.BatchSize(), Window: minutes(salesforceCfg.WindowMinutes)})
	}

	for _, client := range overrides {
		out = append(out, sync.Integration{Client: client})
	}
	return out, nil
}

func minutes(value int) time.Duration {
	return time.Duration(value) * time.Minute
}

func (e *Engine) Config() core.Config                { return e.config }
func (e *Engine) Stores() core.StoreProvider         { return e.stores }
func (e *Engine) Bus() *webhooks.Bus                 { return e.bus }
func (e *Engine) Dispatcher() *events.Dispatcher     { return e.dispatcher }
func (e *Engine) Orchestrator() *sync.Orchestrator   { return e.orchestrator }
func (e *Engine) Scheduler() *sync.Scheduler         { return e.scheduler }
func (e *Engine) JobRunner() *gojob.Runner           { return e.jobRunner }
func (e *Engine) Facade() *Facade                    { return e.facade }
func (e *Engine) Loggers() gologger.Components       { return e.loggers }
func (e *Engine) Recorder() core.DomainEventRecorder { return e.recorder }

// RecordDomainEvent stores event with its pending dispatch row.
func (e *Engine) RecordDomainEvent(ctx context.Context, event core.DomainEvent) (core.DomainEvent, core.DomainEventDispatch, error) {
	if e == nil || e.recorder == nil {
		return core.DomainEvent{}, core.DomainEventDispatch{}, core.NewError("relay: domain event recorder is not configured", goerrors.CategoryValidation, core.ErrorConfigInvalid)
	}
	return e.recorder.Record(ctx, event)
}

// RegisterCommands registers every command and query handler on adapter.
func (e *Engine) RegisterCommands(adapter *gocommand.RegistryAdapter) (gocommand.Subscriptions, error) {
	if e == nil {
		return nil, fmt.Errorf("relay: engine is nil")
	}
	return gocommand.RegisterHandlers(adapter, e.facade.Handlers())
}

// Run starts the scheduler and runs the bus and dispatcher loops until ctx
// is cancelled. When dequeuer is non-nil queued jobs are consumed too.
func (e *Engine) Run(ctx context.Context, dequeuer core.JobDequeuer) error {
	if e == nil {
		return fmt.Errorf("relay: engine is nil")
	}
	e.scheduler.Start(ctx)
	defer e.scheduler.Stop()

	loops := map[string]func(context.Context) error{
		"bus":        e.bus.Run,
		"dispatcher": e.dispatcher.Run,
	}
	if dequeuer != nil {
		loops["jobs"] = func(ctx context.Context) error {
			return e.jobRunner.Consume(ctx, dequeuer)
		}
	}

	var group errgroup.Group
	for name, loop := range loops {
		group.Go(func() error {
			err := loop(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			e.observer.Error(ctx, "loop stopped", map[string]any{"loop": name, "error": err.Error()})
			return fmt.Errorf("relay: %s loop: %w", name, err)
		})
	}
	return group.Wait()
}
