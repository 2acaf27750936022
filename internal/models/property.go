package models

import "time"

// Property is the minimal slice of the listing data the relay needs: who is
// allowed into the property's chat.
type Property struct {
	ID          int       `db:"id" json:"id"`
	TenantID    int       `db:"tenant_id" json:"tenant_id"`
	LandownerID int       `db:"landowner_id" json:"landowner_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
