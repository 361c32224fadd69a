package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/edulure/go-relay/core"
)

const defaultDeadLetterLimit = 100

type DeadLetterStore struct {
	db   *bun.DB
	repo repository.Repository[*deadLetterRecord]
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	repo, err := newRepository(db, "dead letter", func() *deadLetterRecord { return &deadLetterRecord{} })
	if err != nil {
		return nil, err
	}
	return &DeadLetterStore{db: db, repo: repo}, nil
}

func (s *DeadLetterStore) Record(ctx context.Context, letter core.DeadLetter) (core.DeadLetter, error) {
	if s == nil || s.repo == nil {
		return core.DeadLetter{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	switch letter.Source {
	case core.DeadLetterSourceDispatch, core.DeadLetterSourceDelivery:
	default:
		return core.DeadLetter{}, core.ValidationError("source", fmt.Sprintf("unknown dead letter source %q", letter.Source))
	}
	if strings.TrimSpace(letter.ReferenceID) == "" {
		return core.DeadLetter{}, core.ValidationError("reference_id", "reference id is required")
	}
	created, err := s.repo.Create(ctx, &deadLetterRecord{
		ID:           uuid.NewString(),
		Source:       string(letter.Source),
		ReferenceID:  strings.TrimSpace(letter.ReferenceID),
		EventType:    strings.TrimSpace(letter.EventType),
		Payload:      normalizeRaw(letter.Payload),
		Reason:       strings.TrimSpace(letter.Reason),
		AttemptCount: letter.AttemptCount,
		CreatedAt:    utcOrNow(letter.CreatedAt),
	})
	if err != nil {
		return core.DeadLetter{}, err
	}
	return created.toDomain(), nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (core.DeadLetter, error) {
	if s == nil || s.db == nil {
		return core.DeadLetter{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	record := &deadLetterRecord{}
	if err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", strings.TrimSpace(id)).Limit(1).Scan(ctx); err != nil {
		return core.DeadLetter{}, notFound(err, "sqlstore: dead letter not found")
	}
	return record.toDomain(), nil
}

// List returns the newest dead letters first. Replayed letters are hidden
// unless IncludeReplays is set.
func (s *DeadLetterStore) List(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetter, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at DESC"),
		repository.SelectPaginate(limit, 0),
	}
	if source := strings.TrimSpace(string(filter.Source)); source != "" {
		selectors = append(selectors, repository.SelectBy("source", "=", source))
	}
	if !filter.IncludeReplays {
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.replayed_at IS NULL")
		}))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.DeadLetter, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *DeadLetterStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	res, err := s.db.NewUpdate().
		Model((*deadLetterRecord)(nil)).
		Set("replayed_at = ?", utcOrNow(at)).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return core.NotFoundError("sqlstore: dead letter not found")
	}
	return nil
}
