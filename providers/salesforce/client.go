package salesforce

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/providers"
	"github.com/edulure/go-relay/sync"
	"github.com/edulure/go-relay/transport"
)

const (
	DefaultLoginURL   = "https://login.salesforce.com"
	DefaultAPIVersion = "v58.0"
	DefaultBatchSize  = 25
	// MaxBatchSize is the sObject Collections record limit.
	MaxBatchSize = 200

	ExternalIDField = "Edulure_User_Id__c"
	syncKeyField    = "Edulure_Sync_Key__c"
	roleField       = "Edulure_Role__c"

	soqlTimeLayout     = "2006-01-02T15:04:05Z"
	responseTimeLayout = "2006-01-02T15:04:05.000-0700"
)

type Config struct {
	LoginURL     string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	APIVersion   string
	BatchSize    int
	Timeout      time.Duration
	TokenTTL     time.Duration
	RenewBefore  time.Duration
}

func ConfigFrom(cfg core.SalesforceConfig) Config {
	return Config{
		LoginURL:     cfg.LoginURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Username:     cfg.Username,
		Password:     cfg.Password,
		APIVersion:   cfg.APIVersion,
		BatchSize:    cfg.BatchSize,
		Timeout:      time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
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

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client upserts and queries Contact records through the Salesforce REST API.
type Client struct {
	config    Config
	transport core.TransportAdapter
	breaker   providers.Breaker
	now       func() time.Time
	tokens    *passwordTokenSource
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.LoginURL = strings.TrimRight(strings.TrimSpace(cfg.LoginURL), "/")
	if cfg.LoginURL == "" {
		cfg.LoginURL = DefaultLoginURL
	}
	cfg.APIVersion = strings.TrimSpace(cfg.APIVersion)
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if !strings.HasPrefix(cfg.APIVersion, "v") {
		cfg.APIVersion = "v" + cfg.APIVersion
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	cfg.BatchSize = providers.BoundedSize(cfg.BatchSize, MaxBatchSize)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = 2 * time.Minute
	}
	required := []struct{ field, value string }{
		{"client id", cfg.ClientID},
		{"client secret", cfg.ClientSecret},
		{"username", cfg.Username},
		{"password", cfg.Password},
	}
	for _, item := range required {
		if strings.TrimSpace(item.value) == "" {
			return nil, fmt.Errorf("providers/salesforce: %s is required", item.field)
		}
	}

	client := &Client{
		config:    cfg,
		transport: transport.NewRESTAdapter(nil),
		breaker:   providers.NoopBreaker(),
		now:       core.SystemNow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	client.tokens = &passwordTokenSource{config: cfg, transport: client.transport, now: client.now}
	return client, nil
}

func (*Client) Integration() string {
	return core.IntegrationSalesforce
}

func (c *Client) BatchSize() int {
	return c.config.BatchSize
}

type sobjectError struct {
	StatusCode string   `json:"statusCode"`
	Message    string   `json:"message"`
	Fields     []string `json:"fields"`
}

type saveResult struct {
	ID      string         `json:"id"`
	Success bool           `json:"success"`
	Created bool           `json:"created"`
	Errors  []sobjectError `json:"errors"`
}

type collectionRequest struct {
	AllOrNone bool             `json:"allOrNone"`
	Records   []map[string]any `json:"records"`
}

// UpsertBatch upserts contacts keyed by the platform user id external field.
// Results come back in request order.
func (c *Client) UpsertBatch(ctx context.Context, records []sync.UpsertRecord) ([]sync.UpsertResult, error) {
	out := make([]sync.UpsertResult, 0, len(records))
	for _, batch := range providers.Split(records, c.config.BatchSize) {
		request := collectionRequest{Records: make([]map[string]any, 0, len(batch))}
		for _, record := range batch {
			request.Records = append(request.Records, contactFields(record))
		}
		var saved []saveResult
		path := fmt.Sprintf("/services/data/%s/composite/sobjects/Contact/%s", c.config.APIVersion, ExternalIDField)
		if err := c.call(ctx, "salesforce: composite upsert", http.MethodPatch, path, nil, request, &saved); err != nil {
			return out, err
		}
		for index, record := range batch {
			result := sync.UpsertResult{EntityID: record.EntityID}
			if index >= len(saved) {
				result.Message = "salesforce: record missing from collection response"
				out = append(out, result)
				continue
			}
			result.ExternalID = saved[index].ID
			result.Succeeded = saved[index].Success
			if !result.Succeeded {
				result.Message = joinSObjectErrors(saved[index].Errors)
			}
			out = append(out, result)
		}
	}
	return out, nil
}

func contactFields(record sync.UpsertRecord) map[string]any {
	email := sync.NormalizeEmail(record.Email)
	lastName := strings.TrimSpace(record.LastName)
	if lastName == "" {
		// LastName is required on Contact.
		lastName = strings.SplitN(email, "@", 2)[0]
	}
	fields := map[string]any{
		"attributes":    map[string]string{"type": "Contact"},
		ExternalIDField: record.EntityID,
		"Email":         email,
		"LastName":      lastName,
		syncKeyField:    record.IdempotencyKey,
	}
	if value := strings.TrimSpace(record.FirstName); value != "" {
		fields["FirstName"] = value
	}
	if value := strings.TrimSpace(record.Role); value != "" {
		fields[roleField] = value
	}
	return fields
}

func joinSObjectErrors(errs []sobjectError) string {
	if len(errs) == 0 {
		return "salesforce: record rejected"
	}
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, strings.TrimSpace(err.StatusCode+": "+err.Message))
	}
	return strings.Join(parts, "; ")
}

type contactRow struct {
	ID               string `json:"Id"`
	Email            string `json:"Email"`
	FirstName        string `json:"FirstName"`
	LastName         string `json:"LastName"`
	LastModifiedDate string `json:"LastModifiedDate"`
}

type queryResponse struct {
	TotalSize      int          `json:"totalSize"`
	Done           bool         `json:"done"`
	Records        []contactRow `json:"records"`
	NextRecordsURL string       `json:"nextRecordsUrl"`
}

// SearchChangedSince returns up to limit contacts modified at or after since.
func (c *Client) SearchChangedSince(ctx context.Context, since time.Time, limit int) ([]sync.CRMRecord, error) {
	if limit <= 0 {
		return []sync.CRMRecord{}, nil
	}
	soql := fmt.Sprintf(
		"SELECT Id, Email, FirstName, LastName, LastModifiedDate FROM Contact WHERE LastModifiedDate >= %s ORDER BY LastModifiedDate ASC LIMIT %d",
		since.UTC().Format(soqlTimeLayout),
		limit,
	)
	out := make([]sync.CRMRecord, 0, limit)
	err := c.query(ctx, soql, 0, func(rows []contactRow) bool {
		for _, row := range rows {
			if len(out) >= limit {
				return false
			}
			out = append(out, row.record())
		}
		return len(out) < limit
	})
	return out, err
}

// ListIdentities returns normalized emails of contacts modified since, reading
// at most maxPages result pages.
func (c *Client) ListIdentities(ctx context.Context, since time.Time, maxPages int) ([]string, error) {
	soql := fmt.Sprintf(
		"SELECT Email FROM Contact WHERE Email != null AND LastModifiedDate >= %s",
		since.UTC().Format(soqlTimeLayout),
	)
	out := []string{}
	err := c.query(ctx, soql, maxPages, func(rows []contactRow) bool {
		for _, row := range rows {
			if email := sync.NormalizeEmail(row.Email); email != "" {
				out = append(out, email)
			}
		}
		return true
	})
	return out, err
}

func (c *Client) query(ctx context.Context, soql string, maxPages int, visit func([]contactRow) bool) error {
	path := fmt.Sprintf("/services/data/%s/query", c.config.APIVersion)
	query := map[string]string{"q": soql}
	for page := 1; maxPages <= 0 || page <= maxPages; page++ {
		var response queryResponse
		if err := c.call(ctx, "salesforce: query", http.MethodGet, path, query, nil, &response); err != nil {
			return err
		}
		if !visit(response.Records) || response.Done || response.NextRecordsURL == "" {
			return nil
		}
		path, query = response.NextRecordsURL, nil
	}
	return nil
}

func (r contactRow) record() sync.CRMRecord {
	updatedAt, _ := time.Parse(responseTimeLayout, r.LastModifiedDate)
	return sync.CRMRecord{
		ExternalID: r.ID,
		Email:      sync.NormalizeEmail(r.Email),
		Properties: map[string]any{
			"FirstName":        r.FirstName,
			"LastName":         r.LastName,
			"LastModifiedDate": r.LastModifiedDate,
		},
		UpdatedAt: updatedAt.UTC(),
	}
}

// call executes an authenticated API request. A 401 drops the cached session
// and retries once with a fresh token.
func (c *Client) call(
	ctx context.Context,
	operation string,
	method string,
	path string,
	query map[string]string,
	in any,
	out any,
) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var session Session
		session, err = c.tokens.Session(ctx)
		if err != nil {
			return err
		}
		err = c.breaker.Execute(func() error {
			_, callErr := transport.DoJSON(ctx, c.transport, operation, core.TransportRequest{
				Method: method,
				URL:    session.InstanceURL + path,
				Query:  query,
				Headers: map[string]string{
					"Authorization": "Bearer " + session.AccessToken,
					"Accept":        "application/json",
				},
				Timeout: c.config.Timeout,
			}, in, out)
			return callErr
		})
		if !isUnauthorized(err) {
			return err
		}
		c.tokens.Invalidate(session.AccessToken)
	}
	return err
}

func isUnauthorized(err error) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.Code == http.StatusUnauthorized
}

var _ sync.CRMClient = (*Client)(nil)
