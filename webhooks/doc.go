// Package webhooks fans published events out to subscriber endpoints.
//
// Each delivery moves through a claim lifecycle:
// pending -> delivering -> delivered|failed, with failed attempts returning to
// pending until the attempt ceiling is reached. Rows stuck in delivering after
// a crash are swept back to pending on the next tick.
package webhooks
