package identity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ActorRecord is the stored credential row for an API actor.
type ActorRecord struct {
	ID        int64
	Name      string
	TokenHash string
	Active    bool
}

// Repository looks up actors and their granted roles.
type Repository interface {
	FindByTokenID(ctx context.Context, tokenID string) (ActorRecord, error)
	RolesFor(ctx context.Context, actorID int64) ([]string, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed directory repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) FindByTokenID(ctx context.Context, tokenID string) (ActorRecord, error) {
	var rec ActorRecord
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, token_hash, active FROM api_actors WHERE token_id=$1`, tokenID).
		Scan(&rec.ID, &rec.Name, &rec.TokenHash, &rec.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ActorRecord{}, ErrInvalidToken
		}
		return ActorRecord{}, err
	}
	return rec, nil
}

func (r *repository) RolesFor(ctx context.Context, actorID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT role FROM actor_roles WHERE actor_id=$1 ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
