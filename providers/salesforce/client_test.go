package salesforce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/sync"
)

type fakeOrg struct {
	t          *testing.T
	server     *httptest.Server
	tokens     int
	expireNext bool
	issued     string
	requests   []*http.Request
	bodies     []string
}

func newFakeOrg(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body string)) *fakeOrg {
	t.Helper()
	org := &fakeOrg{t: t}
	org.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if r.URL.Path == tokenPath {
			form := string(raw)
			if !strings.Contains(form, "grant_type=password") || !strings.Contains(form, "username=ops%40edulure.test") {
				t.Fatalf("unexpected token form %q", form)
			}
			org.tokens++
			org.issued = fmt.Sprintf("token-%d", org.tokens)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"access_token": org.issued,
				"instance_url": org.server.URL + "/",
				"token_type":   "Bearer",
			})
			return
		}
		org.requests = append(org.requests, r)
		org.bodies = append(org.bodies, string(raw))
		if org.expireNext {
			org.expireNext = false
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`[{"message":"Session expired or invalid","errorCode":"INVALID_SESSION_ID"}]`))
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer "+org.issued {
			t.Fatalf("expected current token, got %q", got)
		}
		handler(w, r, string(raw))
	}))
	t.Cleanup(org.server.Close)
	return org
}

func (o *fakeOrg) client(t *testing.T, batchSize int) *Client {
	t.Helper()
	client, err := New(Config{
		LoginURL:     o.server.URL,
		ClientID:     "cid",
		ClientSecret: "secret",
		Username:     "ops@edulure.test",
		Password:     "pw",
		APIVersion:   "58.0",
		BatchSize:    batchSize,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestUpsertBatchSendsCollectionsInOrder(t *testing.T) {
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request, body string) {
		if r.Method != http.MethodPatch || r.URL.Path != "/services/data/v58.0/composite/sobjects/Contact/"+ExternalIDField {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var request collectionRequest
		if err := json.Unmarshal([]byte(body), &request); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if request.AllOrNone {
			t.Fatalf("expected partial success mode")
		}
		if len(request.Records) == 2 {
			first := request.Records[0]
			if first[ExternalIDField] != "u1" || first["Email"] != "a@x.io" || first["LastName"] != "a" || first[syncKeyField] != "key-u1" {
				t.Fatalf("unexpected record fields %+v", first)
			}
			_, _ = w.Write([]byte(`[
				{"id":"003A","success":true,"created":true,"errors":[]},
				{"success":false,"errors":[{"statusCode":"INVALID_EMAIL_ADDRESS","message":"Email: invalid email address","fields":["Email"]}]}
			]`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":"003C","success":true,"created":false,"errors":[]}]`))
	})
	client := org.client(t, 2)

	results, err := client.UpsertBatch(context.Background(), []sync.UpsertRecord{
		{Candidate: sync.Candidate{EntityID: "u1", Email: "A@x.io"}, IdempotencyKey: "key-u1"},
		{Candidate: sync.Candidate{EntityID: "u2", Email: "bad"}, IdempotencyKey: "key-u2"},
		{Candidate: sync.Candidate{EntityID: "u3", Email: "c@x.io", LastName: "Lovelace"}, IdempotencyKey: "key-u3"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if org.tokens != 1 || len(org.requests) != 2 {
		t.Fatalf("expected one token and two collection calls, got %d/%d", org.tokens, len(org.requests))
	}
	if !results[0].Succeeded || results[0].ExternalID != "003A" {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].Succeeded || !strings.Contains(results[1].Message, "INVALID_EMAIL_ADDRESS") {
		t.Fatalf("unexpected second result %+v", results[1])
	}
	if !results[2].Succeeded || results[2].ExternalID != "003C" {
		t.Fatalf("unexpected third result %+v", results[2])
	}
}

func TestCallRefreshesSessionOnUnauthorized(t *testing.T) {
	org := newFakeOrg(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = w.Write([]byte(`{"totalSize":0,"done":true,"records":[]}`))
	})
	client := org.client(t, 0)
	if client.BatchSize() != DefaultBatchSize {
		t.Fatalf("expected default batch size, got %d", client.BatchSize())
	}

	if _, err := client.SearchChangedSince(context.Background(), time.Now(), 5); err != nil {
		t.Fatalf("first search: %v", err)
	}
	org.expireNext = true
	if _, err := client.SearchChangedSince(context.Background(), time.Now(), 5); err != nil {
		t.Fatalf("search after expiry: %v", err)
	}
	if org.tokens != 2 {
		t.Fatalf("expected a refreshed token after 401, got %d issues", org.tokens)
	}
	if len(org.requests) != 3 {
		t.Fatalf("expected the rejected call to be retried once, got %d calls", len(org.requests))
	}
}

func TestQueryFollowsNextRecordsURL(t *testing.T) {
	since := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request, _ string) {
		switch r.URL.Path {
		case "/services/data/v58.0/query":
			soql := r.URL.Query().Get("q")
			if !strings.Contains(soql, "LastModifiedDate >= 2026-05-04T10:00:00Z") {
				t.Fatalf("unexpected soql %q", soql)
			}
			_, _ = w.Write([]byte(`{"totalSize":3,"done":false,"nextRecordsUrl":"/services/data/v58.0/query/01g-2000",
				"records":[{"Id":"1","Email":"A@x.io","LastModifiedDate":"2026-05-04T10:05:00.000+0000"},{"Id":"2","Email":"b@x.io"}]}`))
		case "/services/data/v58.0/query/01g-2000":
			_, _ = w.Write([]byte(`{"totalSize":3,"done":true,"records":[{"Id":"3","Email":"c@x.io"}]}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	client := org.client(t, 0)

	identities, err := client.ListIdentities(context.Background(), since, 5)
	if err != nil {
		t.Fatalf("list identities: %v", err)
	}
	if strings.Join(identities, ",") != "a@x.io,b@x.io,c@x.io" {
		t.Fatalf("unexpected identities %v", identities)
	}

	capped, err := client.ListIdentities(context.Background(), since, 1)
	if err != nil || len(capped) != 2 {
		t.Fatalf("expected page cap to stop after one page, got %v (%v)", capped, err)
	}

	records, err := client.SearchChangedSince(context.Background(), since, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(records) != 1 || records[0].Email != "a@x.io" || !records[0].UpdatedAt.Equal(since.Add(5*time.Minute)) {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestTokenFailureSurfacesInvalidGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"authentication failure"}`))
	}))
	defer server.Close()
	client, err := New(Config{LoginURL: server.URL, ClientID: "a", ClientSecret: "b", Username: "c", Password: "d"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.ListIdentities(context.Background(), time.Now(), 1); !core.IsTextCode(err, core.ErrorBadInput) {
		t.Fatalf("expected invalid grant to surface as bad input, got %v", err)
	}
}

func TestNewValidatesCredentials(t *testing.T) {
	if _, err := New(Config{ClientID: "a", ClientSecret: "b", Username: "c"}); err == nil || !strings.Contains(err.Error(), "password") {
		t.Fatalf("expected missing password error, got %v", err)
	}
}
