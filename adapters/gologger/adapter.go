package gologger

import (
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	ComponentBus        = "relay.bus"
	ComponentDispatcher = "relay.dispatcher"
	ComponentSync       = "relay.sync"
	ComponentScheduler  = "relay.scheduler"
	ComponentJobs       = "relay.jobs"
)

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// Components holds one named logger per engine component.
type Components struct {
	Provider   glog.LoggerProvider
	Bus        glog.Logger
	Dispatcher glog.Logger
	Sync       glog.Logger
	Scheduler  glog.Logger
	Jobs       glog.Logger
}

// ResolveComponents resolves the root logger once and derives the component
// loggers from the resulting provider, so a bare logger still yields a
// provider every component can name itself through.
func ResolveComponents(name string, provider glog.LoggerProvider, logger glog.Logger) Components {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	named := func(component string) glog.Logger {
		if resolvedProvider == nil {
			return glog.Ensure(resolvedLogger)
		}
		return glog.Ensure(resolvedProvider.GetLogger(component))
	}
	return Components{
		Provider:   resolvedProvider,
		Bus:        named(ComponentBus),
		Dispatcher: named(ComponentDispatcher),
		Sync:       named(ComponentSync),
		Scheduler:  named(ComponentScheduler),
		Jobs:       named(ComponentJobs),
	}
}

// ToJobProvider maps a glog provider to the go-job logger provider contract.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger maps a glog logger to the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves the jobs component logger and returns the
// equivalent go-job adapters for queue workers.
func ResolveForJob(
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(ComponentJobs, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
