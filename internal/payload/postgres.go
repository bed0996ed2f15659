package payload

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads token values from the token_values table,
// sharing the ledger's connection pool.
type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(pool *pgxpool.Pool) (*PostgresSource, error) {
	if pool == nil {
		return nil, fmt.Errorf("pg pool is required")
	}
	return &PostgresSource{pool: pool}, nil
}

func (s *PostgresSource) Lookup(ctx context.Context, tokenID string) (string, error) {
	var value string
	row := s.pool.QueryRow(ctx, `SELECT value FROM token_values WHERE token_id=$1`, tokenID)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrValueNotFound
		}
		return "", err
	}
	return value, nil
}
