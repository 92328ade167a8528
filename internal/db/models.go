package db

import (
	"time"
)

// CredentialRow is one row of the credentials table.
type CredentialRow struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	UpdatedAt    time.Time
}
