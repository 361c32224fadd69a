package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/transport"
)

var busEpoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestBus(
	t *testing.T,
	subscriptions *memorySubscriptionStore,
	store *memoryWebhookStore,
	clock *fixedClock,
	client *http.Client,
	opts ...Option,
) *Bus {
	t.Helper()
	base := []Option{
		WithClock(clock.Now),
		WithRandom(func() float64 { return 0.5 }),
		WithTransport(transport.NewRESTAdapter(client)),
	}
	bus, err := NewBus(subscriptions, store, core.DefaultConfig().Bus, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	return bus
}

func TestBus_PublishWithoutMatchesWritesNothing(t *testing.T) {
	subscriptions := newMemorySubscriptionStore(core.WebhookSubscription{
		ID: "sub-1", Active: true, EventTypes: []string{"order.*"}, TargetURL: "http://example.invalid",
	}, core.WebhookSubscription{
		ID: "sub-2", Active: false, EventTypes: []string{"*"}, TargetURL: "http://example.invalid",
	})
	store := newMemoryWebhookStore()
	bus := newTestBus(t, subscriptions, store, &fixedClock{now: busEpoch}, http.DefaultClient)

	event, err := bus.Publish(context.Background(), "community.post.created", map[string]any{"id": 1}, PublishOptions{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if event != nil {
		t.Fatalf("expected nil event without matching subscriptions")
	}
	if len(store.events) != 0 || len(store.deliveries) != 0 {
		t.Fatalf("expected no rows to be written")
	}

	if _, err := bus.Publish(context.Background(), "  ", nil, PublishOptions{}); !core.IsTextCode(err, core.ErrorBadInput) {
		t.Fatalf("expected bad input for empty event type, got %v", err)
	}
}

func TestBus_TickDeliversSignedRequest(t *testing.T) {
	var (
		mu       sync.Mutex
		received []deliveryBody
		verifyErr error
		headers  http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		verifyErr = SignatureVerifier{Secret: "whsec-1"}.Verify(r.Context(), r.Header, body)
		headers = r.Header.Clone()
		var decoded deliveryBody
		_ = json.Unmarshal(body, &decoded)
		received = append(received, decoded)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	subscriptions := newMemorySubscriptionStore(core.WebhookSubscription{
		ID:                  "sub-1",
		Active:              true,
		EventTypes:          []string{"order.*"},
		TargetURL:           server.URL,
		SigningSecret:       "whsec-1",
		StaticHeaders:       map[string]string{"X-Tenant": "acme"},
		ConsecutiveFailures: 2,
	})
	store := newMemoryWebhookStore()
	clock := &fixedClock{now: busEpoch}
	bus := newTestBus(t, subscriptions, store, clock, server.Client())

	event, err := bus.Publish(context.Background(), "order.created", map[string]any{"orderId": 42}, PublishOptions{
		Source:        "checkout",
		CorrelationID: "corr-1",
		Metadata:      map[string]any{"tenant": "acme"},
	})
	if err != nil || event == nil {
		t.Fatalf("publish: event=%v err=%v", event, err)
	}
	if event.Status != core.WebhookEventStatusQueued {
		t.Fatalf("expected queued event, got %q", event.Status)
	}

	stats, err := bus.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Claimed != 1 || stats.Delivered != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	mu.Lock()
	defer mu.Unlock()
	if verifyErr != nil {
		t.Fatalf("expected valid signature: %v", verifyErr)
	}
	if len(received) != 1 {
		t.Fatalf("expected one request, got %d", len(received))
	}
	got := received[0]
	if got.EventID != event.EventUUID || got.EventType != "order.created" || got.Source != "checkout" {
		t.Fatalf("unexpected body envelope: %+v", got)
	}
	if got.CorrelationID != "corr-1" || got.Attempt != 1 || string(got.Payload) != `{"orderId":42}` {
		t.Fatalf("unexpected body fields: %+v", got)
	}
	if headers.Get(HeaderEvent) != "order.created" || headers.Get(HeaderAttempt) != "1" {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if headers.Get("X-Tenant") != "acme" || headers.Get(HeaderCorrelation) != "corr-1" {
		t.Fatalf("expected static and correlation headers: %v", headers)
	}

	deliveries, _ := store.ListDeliveries(context.Background(), event.ID)
	if deliveries[0].Status != core.DeliveryStatusDelivered || deliveries[0].AttemptCount != 1 {
		t.Fatalf("unexpected delivery: %+v", deliveries[0])
	}
	stored := store.event(event.ID)
	if stored.Status != core.WebhookEventStatusDelivered || stored.CompletedAt == nil {
		t.Fatalf("expected delivered event with completion time, got %+v", stored)
	}
	if subscriptions.get("sub-1").ConsecutiveFailures != 0 {
		t.Fatalf("expected success to reset consecutive failures")
	}
}

func TestBus_RetriesOpensCircuitAndFailsTerminally(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	subscriptions := newMemorySubscriptionStore(core.WebhookSubscription{
		ID:                            "sub-1",
		Active:                        true,
		EventTypes:                    []string{"*"},
		TargetURL:                     server.URL,
		SigningSecret:                 "secret",
		MaxAttempts:                   3,
		RetryBackoffSeconds:           10,
		CircuitBreakerThreshold:       2,
		CircuitBreakerDurationSeconds: 600,
	})
	store := newMemoryWebhookStore()
	deadLetters := &memoryDeadLetterStore{}
	clock := &fixedClock{now: busEpoch}
	bus := newTestBus(t, subscriptions, store, clock, server.Client(), WithDeadLetterSink(deadLetters))

	event, err := bus.Publish(context.Background(), "invoice.paid", json.RawMessage(`{"invoice":"inv-1"}`), PublishOptions{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	deliveries, _ := store.ListDeliveries(context.Background(), event.ID)
	deliveryID := deliveries[0].ID

	stats, err := bus.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if stats.Retried != 1 {
		t.Fatalf("expected retry on first failure, got %+v", stats)
	}
	first := store.delivery(deliveryID)
	if first.Status != core.DeliveryStatusPending || first.AttemptCount != 1 || first.LastResponseCode != 500 {
		t.Fatalf("unexpected delivery after first failure: %+v", first)
	}
	if !first.NextAttemptAt.Equal(busEpoch.Add(10 * time.Second)) {
		t.Fatalf("expected 10s backoff, got %s", first.NextAttemptAt)
	}
	if store.event(event.ID).Status != core.WebhookEventStatusProcessing {
		t.Fatalf("expected processing event after a retryable failure")
	}

	clock.Advance(10 * time.Second)
	if _, err := bus.Tick(context.Background()); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	sub := subscriptions.get("sub-1")
	if sub.ConsecutiveFailures != 2 || sub.CircuitOpenUntil == nil {
		t.Fatalf("expected circuit to open at threshold, got %+v", sub)
	}
	openUntil := clock.Now().Add(600 * time.Second)
	if !sub.CircuitOpenUntil.Equal(openUntil) {
		t.Fatalf("expected circuit open until %s, got %s", openUntil, sub.CircuitOpenUntil)
	}
	second := store.delivery(deliveryID)
	if !second.NextAttemptAt.Equal(openUntil) {
		t.Fatalf("expected retry pushed to circuit close, got %s", second.NextAttemptAt)
	}

	clock.Advance(5 * time.Minute)
	stats, _ = bus.Tick(context.Background())
	if stats.Claimed != 0 {
		t.Fatalf("expected nothing due while circuit is open, got %+v", stats)
	}

	clock.Advance(5 * time.Minute)
	stats, err = bus.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected terminal failure, got %+v", stats)
	}
	final := store.delivery(deliveryID)
	if final.Status != core.DeliveryStatusFailed || final.AttemptCount != 3 || final.NextAttemptAt != nil {
		t.Fatalf("unexpected terminal delivery: %+v", final)
	}
	if final.AttemptCount > final.MaxAttempts {
		t.Fatalf("attempt count exceeded ceiling: %+v", final)
	}
	if store.event(event.ID).Status != core.WebhookEventStatusFailed {
		t.Fatalf("expected failed event")
	}
	if len(deadLetters.letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(deadLetters.letters))
	}
	letter := deadLetters.letters[0]
	if letter.Source != core.DeadLetterSourceDelivery || letter.ReferenceID != deliveryID || letter.EventType != "invoice.paid" {
		t.Fatalf("unexpected dead letter: %+v", letter)
	}
}

func TestBus_MixedOutcomesYieldPartialEvent(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer broken.Close()

	subscriptions := newMemorySubscriptionStore(
		core.WebhookSubscription{ID: "sub-a", Active: true, EventTypes: []string{"*"}, TargetURL: ok.URL, SigningSecret: "a"},
		core.WebhookSubscription{ID: "sub-b", Active: true, EventTypes: []string{"*"}, TargetURL: broken.URL, SigningSecret: "b", MaxAttempts: 1},
	)
	store := newMemoryWebhookStore()
	bus := newTestBus(t, subscriptions, store, &fixedClock{now: busEpoch}, http.DefaultClient)

	event, err := bus.Publish(context.Background(), "course.published", map[string]any{"course": "go-101"}, PublishOptions{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	stats, err := bus.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Delivered != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if status := store.event(event.ID).Status; status != core.WebhookEventStatusPartial {
		t.Fatalf("expected partial event, got %q", status)
	}
}

func TestBus_PublishHonoursOpenCircuitAndDeliverAfter(t *testing.T) {
	openUntil := busEpoch.Add(5 * time.Minute)
	subscriptions := newMemorySubscriptionStore(
		core.WebhookSubscription{ID: "sub-open", Active: true, EventTypes: []string{"*"}, TargetURL: "http://unused", CircuitOpenUntil: &openUntil},
		core.WebhookSubscription{ID: "sub-closed", Active: true, EventTypes: []string{"*"}, TargetURL: "http://unused"},
	)
	store := newMemoryWebhookStore()
	bus := newTestBus(t, subscriptions, store, &fixedClock{now: busEpoch}, http.DefaultClient)

	deliverAfter := busEpoch.Add(time.Minute)
	event, err := bus.Publish(context.Background(), "user.created", nil, PublishOptions{DeliverAfter: &deliverAfter})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	deliveries, _ := store.ListDeliveries(context.Background(), event.ID)
	if len(deliveries) != 2 {
		t.Fatalf("expected two deliveries, got %d", len(deliveries))
	}
	for _, delivery := range deliveries {
		want := deliverAfter
		if delivery.SubscriptionID == "sub-open" {
			want = openUntil
		}
		if !delivery.NextAttemptAt.Equal(want) {
			t.Fatalf("%s: expected next attempt %s, got %s", delivery.SubscriptionID, want, delivery.NextAttemptAt)
		}
		if delivery.MaxAttempts != core.DefaultConfig().Bus.DefaultMaxAttempts {
			t.Fatalf("expected default max attempts, got %d", delivery.MaxAttempts)
		}
	}

	stats, err := bus.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Claimed != 0 {
		t.Fatalf("expected no due deliveries, got %+v", stats)
	}
}

func TestBus_DefersClaimedDeliveryWhenCircuitOpened(t *testing.T) {
	subscriptions := newMemorySubscriptionStore(core.WebhookSubscription{
		ID: "sub-1", Active: true, EventTypes: []string{"*"}, TargetURL: "http://unused",
	})
	store := newMemoryWebhookStore()
	bus := newTestBus(t, subscriptions, store, &fixedClock{now: busEpoch}, http.DefaultClient)

	event, err := bus.Publish(context.Background(), "user.created", nil, PublishOptions{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	until := busEpoch.Add(time.Hour)
	_ = subscriptions.OpenCircuit(context.Background(), "sub-1", until)

	stats, err := bus.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Deferred != 1 {
		t.Fatalf("expected deferred delivery, got %+v", stats)
	}
	deliveries, _ := store.ListDeliveries(context.Background(), event.ID)
	if deliveries[0].AttemptCount != 0 || !deliveries[0].NextAttemptAt.Equal(until) {
		t.Fatalf("expected deferral without consuming an attempt: %+v", deliveries[0])
	}
}

func TestBus_TickRecoversStuckDeliveries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	subscriptions := newMemorySubscriptionStore(core.WebhookSubscription{
		ID: "sub-1", Active: true, EventTypes: []string{"*"}, TargetURL: server.URL, SigningSecret: "s",
	})
	store := newMemoryWebhookStore()
	clock := &fixedClock{now: busEpoch}
	bus := newTestBus(t, subscriptions, store, clock, server.Client())

	if _, err := bus.Publish(context.Background(), "user.created", nil, PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// A worker claims the row and crashes before resolving it.
	claimed, _ := store.ClaimDueDeliveries(context.Background(), 10, clock.Now())
	if len(claimed) != 1 {
		t.Fatalf("expected simulated claim")
	}

	clock.Advance(time.Duration(core.DefaultConfig().Bus.StuckTimeoutSeconds+1) * time.Second)
	stats, err := bus.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Recovered != 1 || stats.Delivered != 1 {
		t.Fatalf("expected recovery then delivery, got %+v", stats)
	}
}

func TestBus_RunStopsOnCancel(t *testing.T) {
	subscriptions := newMemorySubscriptionStore()
	store := newMemoryWebhookStore()
	ticker := &manualTicker{ch: make(chan time.Time)}
	bus := newTestBus(t, subscriptions, store, &fixedClock{now: busEpoch}, http.DefaultClient,
		WithTicker(func(time.Duration) core.Ticker { return ticker }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()

	ticker.ch <- busEpoch
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if !ticker.stopped {
		t.Fatalf("expected ticker to be stopped")
	}
}

func TestBus_OneEventFansOutToEverySubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	subscriptions := newMemorySubscriptionStore(
		core.WebhookSubscription{ID: "sub-crm", Active: true, EventTypes: []string{"order.created"}, TargetURL: server.URL, SigningSecret: "a"},
		core.WebhookSubscription{ID: "sub-erp", Active: true, EventTypes: []string{"order.*"}, TargetURL: server.URL, SigningSecret: "b"},
	)
	store := newMemoryWebhookStore()
	bus := newTestBus(t, subscriptions, store, &fixedClock{now: busEpoch}, server.Client())

	event, err := bus.Publish(context.Background(), "order.created", map[string]any{"orderId": 7}, PublishOptions{})
	if err != nil || event == nil {
		t.Fatalf("publish: event=%v err=%v", event, err)
	}
	stats, err := bus.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Claimed != 2 || stats.Delivered != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected exactly one webhook event, got %d", len(store.events))
	}
	deliveries, _ := store.ListDeliveries(context.Background(), event.ID)
	if len(deliveries) != 2 {
		t.Fatalf("expected two deliveries, got %d", len(deliveries))
	}
	for _, delivery := range deliveries {
		if delivery.EventID != event.ID || delivery.Status != core.DeliveryStatusDelivered {
			t.Fatalf("unexpected delivery: %+v", delivery)
		}
	}
	if status := store.event(event.ID).Status; status != core.WebhookEventStatusDelivered {
		t.Fatalf("expected delivered event, got %q", status)
	}
	for _, id := range []string{"sub-crm", "sub-erp"} {
		if failures := subscriptions.get(id).ConsecutiveFailures; failures != 0 {
			t.Fatalf("%s: expected no consecutive failures, got %d", id, failures)
		}
	}
}

func TestBus_PublishSharesOneEventAcrossDeliveries(t *testing.T) {
	for _, count := range []int{2, 3, 5} {
		subscriptions := newMemorySubscriptionStore()
		for index := range count {
			id := "sub-" + strconv.Itoa(index)
			_, _ = subscriptions.Upsert(context.Background(), core.WebhookSubscription{
				ID: id, Active: true, EventTypes: []string{"*"}, TargetURL: "http://unused",
			})
		}
		store := newMemoryWebhookStore()
		bus := newTestBus(t, subscriptions, store, &fixedClock{now: busEpoch}, http.DefaultClient)

		event, err := bus.Publish(context.Background(), "lesson.completed", nil, PublishOptions{})
		if err != nil {
			t.Fatalf("%d subscriptions: publish: %v", count, err)
		}
		if len(store.events) != 1 || len(store.deliveries) != count {
			t.Fatalf("%d subscriptions: expected one event and %d deliveries, got %d/%d", count, count, len(store.events), len(store.deliveries))
		}
		seen := map[string]struct{}{}
		for _, delivery := range store.deliveries {
			if delivery.EventID != event.ID {
				t.Fatalf("%d subscriptions: delivery %s points at %s", count, delivery.ID, delivery.EventID)
			}
			seen[delivery.SubscriptionID] = struct{}{}
		}
		if len(seen) != count {
			t.Fatalf("%d subscriptions: expected one delivery per subscription, got %d", count, len(seen))
		}
	}
}

func TestBus_ReclaimedDeliveryIsLeftToNewClaim(t *testing.T) {
	store := newMemoryWebhookStore()
	clock := &fixedClock{now: busEpoch}
	var once sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The stuck sweep hands the row to another tick while this attempt is on the wire.
		once.Do(func() {
			_, _ = store.RecoverStuckDeliveries(r.Context(), busEpoch.Add(time.Hour), busEpoch)
			_, _ = store.ClaimDueDeliveries(r.Context(), 10, busEpoch.Add(time.Minute))
		})
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	subscriptions := newMemorySubscriptionStore(core.WebhookSubscription{
		ID: "sub-1", Active: true, EventTypes: []string{"*"}, TargetURL: server.URL, SigningSecret: "s", ConsecutiveFailures: 2,
	})
	bus := newTestBus(t, subscriptions, store, clock, server.Client())

	event, err := bus.Publish(context.Background(), "user.created", nil, PublishOptions{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	stats, err := bus.Tick(context.Background())
	if err != nil {
		t.Fatalf("expected lost claim to be absorbed, got %v", err)
	}
	if stats.Claimed != 1 || stats.LeaseLost != 1 || stats.Delivered != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	deliveries, _ := store.ListDeliveries(context.Background(), event.ID)
	current := deliveries[0]
	if current.Status != core.DeliveryStatusDelivering || !current.LastAttemptAt.Equal(busEpoch.Add(time.Minute)) {
		t.Fatalf("expected the newer claim to own the delivery, got %+v", current)
	}
	if subscriptions.get("sub-1").ConsecutiveFailures != 2 {
		t.Fatalf("expected subscription health untouched by the stale attempt")
	}
	if status := store.event(event.ID).Status; status != core.WebhookEventStatusQueued {
		t.Fatalf("expected event aggregate untouched, got %q", status)
	}
}

func TestBus_AttemptTimeoutStaysBelowStuckSweep(t *testing.T) {
	bus := newTestBus(t, newMemorySubscriptionStore(), newMemoryWebhookStore(), &fixedClock{now: busEpoch}, http.DefaultClient)
	stuck := bus.config.StuckTimeout()

	cases := []struct {
		name      string
		timeoutMs int
		want      time.Duration
	}{
		{name: "bus default", want: bus.config.RequestTimeout()},
		{name: "subscription override", timeoutMs: 5000, want: 5 * time.Second},
		{name: "override beyond stuck sweep", timeoutMs: 600000, want: stuck - stuck/10},
	}
	for _, tc := range cases {
		subscription := core.WebhookSubscription{ID: "sub-1", TargetURL: "http://unused", DeliveryTimeoutMs: tc.timeoutMs}
		request, err := bus.buildRequest(core.WebhookEvent{EventType: "user.created"}, core.WebhookDelivery{DeliveryUUID: "d-1"}, subscription, 1, busEpoch)
		if err != nil {
			t.Fatalf("%s: build request: %v", tc.name, err)
		}
		if request.Timeout != tc.want {
			t.Fatalf("%s: expected timeout %s, got %s", tc.name, tc.want, request.Timeout)
		}
		if request.Timeout >= stuck {
			t.Fatalf("%s: timeout %s must stay below stuck timeout %s", tc.name, request.Timeout, stuck)
		}
	}
}

func TestTruncate_KeepsValidUTF8(t *testing.T) {
	cases := []struct {
		in    string
		limit int
		want  string
	}{
		{in: "short", limit: 10, want: "short"},
		{in: "héllo", limit: 2, want: "h"},
		{in: "日本語", limit: 4, want: "日"},
		{in: "ab\xffcd", limit: 10, want: "abcd"},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.limit)
		if got != tc.want || !utf8.ValidString(got) {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.limit, got, tc.want)
		}
	}
}
