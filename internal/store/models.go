package store

import (
	"time"

	"github.io/infrasutra/mailexport/internal/mailbox"
)

// User is the signed-in user as shown by /api/me.
type User struct {
	Name     string `json:"name"`
	Username string `json:"preferred_username"`
	ObjectID string `json:"oid"`
	TenantID string `json:"tid"`
}

// Session is the server-side state of one browser session.
type Session struct {
	ID          string
	User        *User
	AccountID   string
	AuthState   string
	TokenCache  []byte
	LastListing *mailbox.Listing
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type sessionRow struct {
	ID          string `db:"id"`
	UserJSON    string `db:"user_json"`
	AccountID   string `db:"account_id"`
	AuthState   string `db:"auth_state"`
	TokenCache  []byte `db:"token_cache"`
	LastListing string `db:"last_listing"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}
