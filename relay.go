package relay

import "github.com/edulure/go-relay/core"

type Config = core.Config

type BusConfig = core.BusConfig
type DispatcherConfig = core.DispatcherConfig
type OrchestratorConfig = core.OrchestratorConfig
type SchedulesConfig = core.SchedulesConfig
type ScheduleConfig = core.ScheduleConfig
type IntegrationsConfig = core.IntegrationsConfig
type BreakerConfig = core.BreakerConfig

type DomainEvent = core.DomainEvent
type WebhookSubscription = core.WebhookSubscription
type WebhookEvent = core.WebhookEvent
type DeadLetter = core.DeadLetter

func DefaultConfig() Config {
	return core.DefaultConfig()
}
