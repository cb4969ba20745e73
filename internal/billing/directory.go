package billing

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ClientDirectory answers whether a client account exists.
type ClientDirectory interface {
	ClientExists(ctx context.Context, clientID int64) (bool, error)
}

// UserDirectory resolves clients from the users table.
type UserDirectory struct {
	pool *pgxpool.Pool
}

// NewUserDirectory constructs UserDirectory.
func NewUserDirectory(pool *pgxpool.Pool) *UserDirectory {
	return &UserDirectory{pool: pool}
}

// ClientExists reports whether clientID is an active client account.
func (d *UserDirectory) ClientExists(ctx context.Context, clientID int64) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role = 'client' AND is_active)`, clientID).Scan(&exists)
	if err != nil {
		return false, classifyStorageError("client lookup", err)
	}
	return exists, nil
}
