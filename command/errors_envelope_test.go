package command

import (
	"context"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/edulure/go-relay/core"
)

func TestRunSyncMessage_ValidateReturnsRichError(t *testing.T) {
	err := (RunSyncMessage{Integration: "pipedrive"}).Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
	if rich.TextCode != core.ErrorBadInput {
		t.Fatalf("expected %q text code, got %q", core.ErrorBadInput, rich.TextCode)
	}
}

func TestMessages_Validate(t *testing.T) {
	cases := map[string]interface{ Validate() error }{
		"publish without type":  PublishEventMessage{},
		"publish invalid json":  PublishEventMessage{EventType: "x", Payload: []byte("{")},
		"replay without id":     ReplayDeadLetterMessage{ID: " "},
		"subscription no url":   UpsertSubscriptionMessage{},
		"subscription no types": UpsertSubscriptionMessage{Subscription: core.WebhookSubscription{TargetURL: "https://x", SigningSecret: "s"}},
	}
	for name, msg := range cases {
		if err := msg.Validate(); !core.IsTextCode(err, core.ErrorBadInput) {
			t.Fatalf("%s: expected bad input, got %v", name, err)
		}
	}
	if err := (RunSyncMessage{Integration: "Salesforce"}).Validate(); err != nil {
		t.Fatalf("expected salesforce to be accepted, got %v", err)
	}
}

func TestReplayDeadLetterCommand_NilStoreReturnsRichError(t *testing.T) {
	var cmd *ReplayDeadLetterCommand
	err := cmd.Execute(context.Background(), ReplayDeadLetterMessage{ID: "dl_1"})
	if err == nil {
		t.Fatalf("expected command dependency error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
}
