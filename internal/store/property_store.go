package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// PropertyStore answers the one question the relay asks of the listing data:
// does this user belong to this property's conversation.
type PropertyStore interface {
	IsParticipant(ctx context.Context, propertyID int, userID int) (bool, error)
}

// PropertyRepo is a sqlx-backed PropertyStore.
type PropertyRepo struct {
	db *sqlx.DB
}

// NewPropertyRepo constructs PropertyRepo.
func NewPropertyRepo(db *sqlx.DB) *PropertyRepo {
	return &PropertyRepo{db: db}
}

// IsParticipant checks whether the user is the tenant or landowner of the
// property.
func (r *PropertyRepo) IsParticipant(ctx context.Context, propertyID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM properties WHERE id=$1 AND (tenant_id=$2 OR landowner_id=$2))`, propertyID, userID)
	return exists, err
}
