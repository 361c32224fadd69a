// Package sync pushes platform contacts to CRM integrations and reconciles
// the two identity sets.
//
// Jobs run through a guard that caps concurrent jobs and refuses a job whose
// key is already running. Every run is recorded as an IntegrationSyncRun with
// one result row per candidate.
package sync
