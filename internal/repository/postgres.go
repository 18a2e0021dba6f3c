package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/rpattn/pricetrail/internal/db"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresStore struct {
	conn *db.Connection
}

// NewPostgresStore wires a Store backed by a pgx connection pool.
func NewPostgresStore(conn *db.Connection) Store {
	return &postgresStore{conn: conn}
}

func (s *postgresStore) Products() ProductRepository {
	return NewProductRepository(s.conn.Pool)
}

func (s *postgresStore) Runs() IngestionRunRepository {
	return NewIngestionRunRepository(s.conn.Pool)
}

func (s *postgresStore) WithTx(ctx context.Context, fn func(Repositories) error) error {
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(NewRepositories(tx))
	})
}

func (s *postgresStore) Close() {
	s.conn.Close()
}

// NewRepositories binds every repository to q.
func NewRepositories(q DBTX) Repositories {
	return Repositories{
		Products: NewProductRepository(q),
		Offers:   NewOfferRepository(q),
		History:  NewHistoryRepository(q),
	}
}

// nullableDecimal renders d for a ::numeric parameter.
func nullableDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func decimalFromText(t pgtype.Text) (*decimal.Decimal, error) {
	if !t.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(t.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func stringFromText(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	v := t.String
	return &v
}

func timeFromTimestamptz(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time
}
