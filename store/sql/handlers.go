package sqlstore

import (
	"fmt"
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// identifiedRecord is implemented by every pointer record type so a single
// handler set can serve all repositories.
type identifiedRecord interface {
	recordID() string
	setRecordID(id string)
}

func recordHandlers[T identifiedRecord](newRecord func() T) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			return parseUUID(record.recordID())
		},
		SetID: func(record T, id uuid.UUID) {
			record.setRecordID(id.String())
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			return strings.TrimSpace(record.recordID())
		},
	}
}

func newRepository[T identifiedRecord](db *bun.DB, name string, newRecord func() T) (repository.Repository[T], error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[T](db, recordHandlers(newRecord))
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid %s repository wiring: %w", name, err)
		}
	}
	return repo, nil
}

func (r *domainEventRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *domainEventRecord) setRecordID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *dispatchRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *dispatchRecord) setRecordID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *subscriptionRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *subscriptionRecord) setRecordID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *webhookEventRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *webhookEventRecord) setRecordID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *webhookDeliveryRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *webhookDeliveryRecord) setRecordID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *syncRunRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *syncRunRecord) setRecordID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *syncResultRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *syncResultRecord) setRecordID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *reconciliationReportRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *reconciliationReportRecord) setRecordID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *deadLetterRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *deadLetterRecord) setRecordID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *syncContactRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *syncContactRecord) setRecordID(id string) {
	if r != nil {
		r.ID = id
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
