package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/sync"
)

const DefaultContactTable = "relay_sync_contacts"

type ContactSourceOption func(*ContactSource)

// WithContactTable reads candidates from a table or view with the
// relay_sync_contacts column layout.
func WithContactTable(table string) ContactSourceOption {
	return func(s *ContactSource) {
		if table = strings.TrimSpace(table); table != "" {
			s.table = table
		}
	}
}

// ContactSource serves sync candidates from the contact projection the
// platform maintains.
type ContactSource struct {
	db    *bun.DB
	table string
}

func NewContactSource(db *bun.DB, opts ...ContactSourceOption) (*ContactSource, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	source := &ContactSource{db: db, table: DefaultContactTable}
	for _, opt := range opts {
		if opt != nil {
			opt(source)
		}
	}
	return source, nil
}

// ChangedSince returns contacts updated within [start, end], oldest first.
func (s *ContactSource) ChangedSince(ctx context.Context, start time.Time, end time.Time) ([]sync.Candidate, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: contact source is not configured")
	}
	var records []syncContactRecord
	if err := s.db.NewSelect().
		Model(&records).
		ModelTableExpr("? AS rsc", bun.Ident(s.table)).
		Where("?TableAlias.updated_at >= ?", start.UTC()).
		Where("?TableAlias.updated_at <= ?", end.UTC()).
		OrderExpr("?TableAlias.updated_at ASC, ?TableAlias.id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]sync.Candidate, 0, len(records))
	for _, record := range records {
		entityType := record.EntityType
		if entityType == "" {
			entityType = "contact"
		}
		out = append(out, sync.Candidate{
			EntityType: entityType,
			EntityID:   record.ID,
			Email:      record.Email,
			FirstName:  record.FirstName,
			LastName:   record.LastName,
			Role:       record.Role,
			UpdatedAt:  record.UpdatedAt.UTC(),
			Attributes: copyAnyMap(record.Attributes),
		})
	}
	return out, nil
}

// IdentitiesSince returns the normalized emails of contacts updated since.
func (s *ContactSource) IdentitiesSince(ctx context.Context, since time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: contact source is not configured")
	}
	var emails []string
	if err := s.db.NewSelect().
		Model((*syncContactRecord)(nil)).
		ModelTableExpr("? AS rsc", bun.Ident(s.table)).
		Column("email").
		Where("?TableAlias.updated_at >= ?", since.UTC()).
		Where("?TableAlias.email <> ''").
		OrderExpr("?TableAlias.updated_at ASC, ?TableAlias.id ASC").
		Scan(ctx, &emails); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(emails))
	for _, email := range emails {
		if normalized := sync.NormalizeEmail(email); normalized != "" {
			out = append(out, normalized)
		}
	}
	return out, nil
}

// UpsertContact writes one row of the contact projection.
func (s *ContactSource) UpsertContact(ctx context.Context, candidate sync.Candidate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: contact source is not configured")
	}
	if strings.TrimSpace(candidate.EntityID) == "" {
		return core.ValidationError("entity_id", "contact entity id is required")
	}
	entityType := strings.TrimSpace(candidate.EntityType)
	if entityType == "" {
		entityType = "contact"
	}
	record := &syncContactRecord{
		ID:         strings.TrimSpace(candidate.EntityID),
		EntityType: entityType,
		Email:      strings.TrimSpace(candidate.Email),
		FirstName:  strings.TrimSpace(candidate.FirstName),
		LastName:   strings.TrimSpace(candidate.LastName),
		Role:       strings.TrimSpace(candidate.Role),
		Attributes: copyAnyMap(candidate.Attributes),
		UpdatedAt:  utcOrNow(candidate.UpdatedAt),
	}
	_, err := s.db.NewInsert().
		Model(record).
		ModelTableExpr("?", bun.Ident(s.table)).
		On("CONFLICT (id) DO UPDATE").
		Set("entity_type = EXCLUDED.entity_type").
		Set("email = EXCLUDED.email").
		Set("first_name = EXCLUDED.first_name").
		Set("last_name = EXCLUDED.last_name").
		Set("role = EXCLUDED.role").
		Set("attributes = EXCLUDED.attributes").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

var _ sync.CandidateSource = (*ContactSource)(nil)
