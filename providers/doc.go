// Package providers holds the plumbing shared by the CRM clients: a circuit
// breaker around outbound calls and batch helpers.
//
// Concrete clients live in providers/hubspot and providers/salesforce and
// implement sync.CRMClient.
package providers
