// Package events forwards recorded domain events to the webhook bus.
//
// Each domain event has a dispatch row that workers claim, publish and then
// acknowledge. Failed publishes are retried with exponential backoff until the
// attempt ceiling, after which the row is failed and dead-lettered.
package events
