package hubspot

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/providers"
	"github.com/edulure/go-relay/sync"
	"github.com/edulure/go-relay/transport"
)

const (
	DefaultBaseURL = "https://api.hubapi.com"
	MaxBatchSize   = 100
	maxPageSize    = 100

	upsertPath = "/crm/v3/objects/contacts/batch/upsert"
	searchPath = "/crm/v3/objects/contacts/search"

	propertyEmail        = "email"
	propertyFirstName    = "firstname"
	propertyLastName     = "lastname"
	propertyRole         = "edulure_role"
	propertyUserID       = "edulure_user_id"
	propertySyncKey      = "edulure_sync_key"
	propertyLastModified = "lastmodifieddate"
)

type Config struct {
	BaseURL     string
	AccessToken string
	BatchSize   int
	Timeout     time.Duration
}

func ConfigFrom(cfg core.HubSpotConfig) Config {
	return Config{
		BaseURL:     cfg.BaseURL,
		AccessToken: cfg.AccessToken,
		BatchSize:   cfg.BatchSize,
		Timeout:     time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
	}
}

type Option func(*Client)

func WithTransport(adapter core.TransportAdapter) Option {
	return func(c *Client) {
		if adapter != nil {
			c.transport = adapter
		}
	}
}

func WithBreaker(breaker providers.Breaker) Option {
	return func(c *Client) {
		if breaker != nil {
			c.breaker = breaker
		}
	}
}

// Client talks to the HubSpot CRM v3 contacts API with a private app token.
type Client struct {
	config    Config
	transport core.TransportAdapter
	breaker   providers.Breaker
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.AccessToken = strings.TrimSpace(cfg.AccessToken)
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("providers/hubspot: access token is required")
	}
	cfg.BatchSize = providers.BoundedSize(cfg.BatchSize, MaxBatchSize)
	client := &Client{
		config:    cfg,
		transport: transport.NewRESTAdapter(nil),
		breaker:   providers.NoopBreaker(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

func (*Client) Integration() string {
	return core.IntegrationHubSpot
}

func (c *Client) BatchSize() int {
	return c.config.BatchSize
}

type upsertInput struct {
	IDProperty string            `json:"idProperty"`
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type batchRequest struct {
	Inputs []upsertInput `json:"inputs"`
}

type contactObject struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

type batchError struct {
	Status   string              `json:"status"`
	Category string              `json:"category"`
	Message  string              `json:"message"`
	Context  map[string][]string `json:"context"`
}

type batchResponse struct {
	Status  string          `json:"status"`
	Results []contactObject `json:"results"`
	Errors  []batchError    `json:"errors"`
}

// UpsertBatch upserts contacts keyed by email. Larger inputs are split into
// requests of at most BatchSize records.
func (c *Client) UpsertBatch(ctx context.Context, records []sync.UpsertRecord) ([]sync.UpsertResult, error) {
	out := make([]sync.UpsertResult, 0, len(records))
	for _, batch := range providers.Split(records, c.config.BatchSize) {
		results, err := c.upsert(ctx, batch)
		if err != nil {
			return out, err
		}
		out = append(out, results...)
	}
	return out, nil
}

func (c *Client) upsert(ctx context.Context, records []sync.UpsertRecord) ([]sync.UpsertResult, error) {
	request := batchRequest{Inputs: make([]upsertInput, 0, len(records))}
	keys := make([]string, 0, len(records))
	byEmail := map[string][]string{}
	for _, record := range records {
		email := sync.NormalizeEmail(record.Email)
		byEmail[email] = append(byEmail[email], record.EntityID)
		keys = append(keys, record.IdempotencyKey)
		request.Inputs = append(request.Inputs, upsertInput{
			IDProperty: propertyEmail,
			ID:         email,
			Properties: contactProperties(record, email),
		})
	}

	var response batchResponse
	err := c.breaker.Execute(func() error {
		_, err := transport.DoJSON(ctx, c.transport, "hubspot: batch upsert", c.request(http.MethodPost, upsertPath, map[string]string{
			"Idempotency-Key": sync.IdempotencyKey(keys...),
		}), request, &response)
		return err
	})
	if err != nil {
		return nil, err
	}

	results := map[string]sync.UpsertResult{}
	for _, object := range response.Results {
		email := sync.NormalizeEmail(object.Properties[propertyEmail])
		for _, entityID := range byEmail[email] {
			results[entityID] = sync.UpsertResult{EntityID: entityID, ExternalID: object.ID, Succeeded: true}
		}
	}
	for _, failure := range response.Errors {
		for _, id := range failure.Context["ids"] {
			for _, entityID := range byEmail[sync.NormalizeEmail(id)] {
				results[entityID] = sync.UpsertResult{EntityID: entityID, Message: failure.Message}
			}
		}
	}

	out := make([]sync.UpsertResult, 0, len(records))
	for _, record := range records {
		result, ok := results[record.EntityID]
		if !ok {
			result = sync.UpsertResult{EntityID: record.EntityID, Message: "hubspot: record missing from batch response"}
		}
		out = append(out, result)
	}
	return out, nil
}

func contactProperties(record sync.UpsertRecord, email string) map[string]string {
	properties := map[string]string{
		propertyEmail:   email,
		propertyUserID:  record.EntityID,
		propertySyncKey: record.IdempotencyKey,
	}
	if value := strings.TrimSpace(record.FirstName); value != "" {
		properties[propertyFirstName] = value
	}
	if value := strings.TrimSpace(record.LastName); value != "" {
		properties[propertyLastName] = value
	}
	if value := strings.TrimSpace(record.Role); value != "" {
		properties[propertyRole] = value
	}
	return properties
}

type searchFilter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type searchFilterGroup struct {
	Filters []searchFilter `json:"filters"`
}

type searchSort struct {
	PropertyName string `json:"propertyName"`
	Direction    string `json:"direction"`
}

type searchRequest struct {
	FilterGroups []searchFilterGroup `json:"filterGroups"`
	Sorts        []searchSort        `json:"sorts"`
	Properties   []string            `json:"properties"`
	Limit        int                 `json:"limit"`
	After        string              `json:"after,omitempty"`
}

type searchResponse struct {
	Total   int             `json:"total"`
	Results []contactObject `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// SearchChangedSince returns up to limit contacts modified at or after since,
// oldest first.
func (c *Client) SearchChangedSince(ctx context.Context, since time.Time, limit int) ([]sync.CRMRecord, error) {
	if limit <= 0 {
		return []sync.CRMRecord{}, nil
	}
	out := make([]sync.CRMRecord, 0, min(limit, maxPageSize))
	err := c.search(ctx, since, min(limit, maxPageSize), 0, func(page []contactObject) bool {
		for _, object := range page {
			if len(out) >= limit {
				return false
			}
			out = append(out, toRecord(object))
		}
		return len(out) < limit
	})
	return out, err
}

// ListIdentities pages through contacts modified since and returns their
// normalized emails, reading at most maxPages pages.
func (c *Client) ListIdentities(ctx context.Context, since time.Time, maxPages int) ([]string, error) {
	out := []string{}
	err := c.search(ctx, since, maxPageSize, maxPages, func(page []contactObject) bool {
		for _, object := range page {
			if email := sync.NormalizeEmail(object.Properties[propertyEmail]); email != "" {
				out = append(out, email)
			}
		}
		return true
	})
	return out, err
}

func (c *Client) search(
	ctx context.Context,
	since time.Time,
	pageSize int,
	maxPages int,
	visit func([]contactObject) bool,
) error {
	request := searchRequest{
		FilterGroups: []searchFilterGroup{{Filters: []searchFilter{{
			PropertyName: propertyLastModified,
			Operator:     "GTE",
			Value:        strconv.FormatInt(since.UTC().UnixMilli(), 10),
		}}}},
		Sorts:      []searchSort{{PropertyName: propertyLastModified, Direction: "ASCENDING"}},
		Properties: []string{propertyEmail, propertyFirstName, propertyLastName, propertyLastModified},
		Limit:      pageSize,
	}
	for page := 1; maxPages <= 0 || page <= maxPages; page++ {
		var response searchResponse
		err := c.breaker.Execute(func() error {
			_, err := transport.DoJSON(ctx, c.transport, "hubspot: search contacts", c.request(http.MethodPost, searchPath, nil), request, &response)
			return err
		})
		if err != nil {
			return err
		}
		if !visit(response.Results) {
			return nil
		}
		if response.Paging == nil || response.Paging.Next == nil || response.Paging.Next.After == "" {
			return nil
		}
		request.After = response.Paging.Next.After
	}
	return nil
}

func toRecord(object contactObject) sync.CRMRecord {
	properties := make(map[string]any, len(object.Properties))
	for key, value := range object.Properties {
		properties[key] = value
	}
	updatedAt := object.UpdatedAt
	if raw := object.Properties[propertyLastModified]; updatedAt.IsZero() && raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			updatedAt = parsed
		}
	}
	return sync.CRMRecord{
		ExternalID: object.ID,
		Email:      sync.NormalizeEmail(object.Properties[propertyEmail]),
		Properties: properties,
		UpdatedAt:  updatedAt.UTC(),
	}
}

func (c *Client) request(method string, path string, headers map[string]string) core.TransportRequest {
	merged := map[string]string{
		"Authorization": "Bearer " + c.config.AccessToken,
		"Accept":        "application/json",
	}
	for key, value := range headers {
		merged[key] = value
	}
	return core.TransportRequest{
		Method:  method,
		URL:     c.config.BaseURL + path,
		Headers: merged,
		Timeout: c.config.Timeout,
	}
}

var _ sync.CRMClient = (*Client)(nil)
