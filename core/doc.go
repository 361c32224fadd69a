// Package core contains the relay domain entities, store contracts, config and
// the shared backoff, error and observability helpers. Delivery, dispatch and
// sync components depend on this package; core must not depend on them.
package core
