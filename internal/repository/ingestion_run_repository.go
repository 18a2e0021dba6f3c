package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/pricetrail/internal/domain"
)

type ingestionRunRepository struct {
	pool *pgxpool.Pool
}

// NewIngestionRunRepository wires a run log backed by pgxpool. Entries are
// written outside the cycle's transaction so failed cycles are logged too.
func NewIngestionRunRepository(pool *pgxpool.Pool) IngestionRunRepository {
	return &ingestionRunRepository{pool: pool}
}

func (r *ingestionRunRepository) Record(ctx context.Context, run domain.IngestionRun) error {
	if r.pool == nil {
		return fmt.Errorf("ingestion run repository not initialized")
	}

	var errorMessage any
	if run.ErrorMessage != "" {
		errorMessage = run.ErrorMessage
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO ingestion_runs (
			id, source, status, requested, skipped, fetched, dropped, raced,
			products, history_entries, error_message, started_at, finished_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID,
		run.Source,
		run.Status,
		run.Requested,
		run.Skipped,
		run.Fetched,
		run.Dropped,
		run.Raced,
		run.Products,
		run.HistoryEntries,
		errorMessage,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return wrapPgError("record ingestion run", err)
	}

	return nil
}

func (r *ingestionRunRepository) List(ctx context.Context, limit int) ([]domain.IngestionRun, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("ingestion run repository not initialized")
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, source, status, requested, skipped, fetched, dropped, raced,
		        products, history_entries, error_message, started_at, finished_at
		 FROM ingestion_runs
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.IngestionRun{}
	for rows.Next() {
		var (
			run          domain.IngestionRun
			errorMessage pgtype.Text
			startedAt    pgtype.Timestamptz
			finishedAt   pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&run.ID,
			&run.Source,
			&run.Status,
			&run.Requested,
			&run.Skipped,
			&run.Fetched,
			&run.Dropped,
			&run.Raced,
			&run.Products,
			&run.HistoryEntries,
			&errorMessage,
			&startedAt,
			&finishedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan ingestion run: %w", scanErr)
		}

		if errorMessage.Valid {
			run.ErrorMessage = errorMessage.String
		}
		run.StartedAt = timeFromTimestamptz(startedAt)
		run.FinishedAt = timeFromTimestamptz(finishedAt)

		runs = append(runs, run)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate ingestion runs: %w", rowsErr)
	}

	return runs, nil
}
