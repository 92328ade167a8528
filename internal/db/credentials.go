package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/justestif/bugbeats/internal/auth"
)

// CredentialRepository persists credential snapshots in PostgreSQL.
// It implements auth.Backend.
type CredentialRepository struct {
	pool Pool
}

var _ auth.Backend = (*CredentialRepository)(nil)

// List returns every stored credential row ordered by user id.
func (r *CredentialRepository) List(ctx context.Context) ([]CredentialRow, error) {
	query := `
		SELECT user_id, access_token, refresh_token, updated_at
		FROM credentials
		ORDER BY user_id
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var result []CredentialRow
	for rows.Next() {
		var row CredentialRow
		if err := rows.Scan(
			&row.UserID,
			&row.AccessToken,
			&row.RefreshToken,
			&row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// Load reads the full credential snapshot.
func (r *CredentialRepository) Load(ctx context.Context) (map[string]auth.Credential, error) {
	rows, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	creds := make(map[string]auth.Credential, len(rows))
	for _, row := range rows {
		creds[row.UserID] = auth.Credential{
			UserID:       row.UserID,
			AccessToken:  row.AccessToken,
			RefreshToken: row.RefreshToken,
		}
	}
	return creds, nil
}

// Save replaces the stored snapshot with creds in one transaction:
// every user in creds is upserted and every other row is deleted.
func (r *CredentialRepository) Save(ctx context.Context, creds map[string]auth.Credential) error {
	if creds == nil {
		return fmt.Errorf("saving credentials: nil snapshot")
	}

	userIDs := make([]string, 0, len(creds))
	for id := range creds {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	upsertQuery := `
		INSERT INTO credentials (user_id, access_token, refresh_token, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			updated_at = NOW()
	`
	for _, id := range userIDs {
		cred := creds[id]
		if _, err := tx.Exec(ctx, upsertQuery, id, cred.AccessToken, cred.RefreshToken); err != nil {
			return fmt.Errorf("upserting credential for %s: %w", id, err)
		}
	}

	deleteQuery := `DELETE FROM credentials WHERE NOT (user_id = ANY($1))`
	if _, err := tx.Exec(ctx, deleteQuery, userIDs); err != nil {
		return fmt.Errorf("deleting stale credentials: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
