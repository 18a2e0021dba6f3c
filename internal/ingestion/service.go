// Package ingestion runs ingestion cycles: it narrows the requested
// identifiers to unknown products, fetches them from a source and stores
// snapshots, offers and change history in one transaction.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/pricetrail/internal/domain"
	"github.com/rpattn/pricetrail/internal/metrics"
	"github.com/rpattn/pricetrail/internal/repository"
	"github.com/rpattn/pricetrail/internal/source"
)

// ErrIdentifierConflict is returned when a product that was absent during
// filtering already exists at write time, typically because a concurrent
// cycle stored it first. Nothing from the cycle is persisted.
var ErrIdentifierConflict = errors.New("product was stored concurrently")

// Service orchestrates ingestion cycles.
type Service struct {
	store    repository.Store
	source   source.Source
	detector Detector
	metrics  *metrics.Ingest
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new ingestion service. m may be nil.
func NewService(store repository.Store, src source.Source, m *metrics.Ingest, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		source:  src,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Request describes one cycle. Without identifiers the source decides what
// to return, usually from SearchPhrase.
type Request struct {
	Identifiers  []string
	SearchPhrase string
	// Refresh re-observes products that are already stored instead of
	// skipping them.
	Refresh bool
}

// Summary reports what a cycle did. Counters describing writes are only
// populated when the cycle committed.
type Summary struct {
	RunID     uuid.UUID                 `json:"runId"`
	Requested int                       `json:"requested"`
	Skipped   int                       `json:"skipped"`
	Fetched   int                       `json:"fetched"`
	Dropped   int                       `json:"dropped"`
	Raced     int                       `json:"raced"`
	Products  int                       `json:"products"`
	Offers    int                       `json:"offers"`
	History   map[domain.ChangeType]int `json:"history"`
	NoOp      bool                      `json:"noOp"`
}

// Run executes one ingestion cycle. Either every write of the cycle is
// committed or none is; the returned error describes the failure.
func (s *Service) Run(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{
		RunID:   uuid.New(),
		History: map[domain.ChangeType]int{},
	}
	logger := s.logger.With("run_id", summary.RunID.String(), "source", s.source.Name())
	started := s.now()
	began := time.Now()

	err := s.run(ctx, logger, req, &summary)

	status := domain.RunCommitted
	switch {
	case err != nil:
		status = domain.RunFailed
		logger.Error("ingestion cycle failed", "error", err)
	case summary.NoOp:
		status = domain.RunNoOp
	}
	s.metrics.ObserveCycle(s.source.Name(), status, time.Since(began))
	s.recordRun(ctx, logger, summary, status, err, started)
	return summary, err
}

// recordRun writes the run log entry. A failure to do so is logged and does
// not change the outcome of the cycle.
func (s *Service) recordRun(ctx context.Context, logger *slog.Logger, summary Summary, status string, runErr error, started time.Time) {
	run := domain.IngestionRun{
		ID:         summary.RunID,
		Source:     s.source.Name(),
		Status:     status,
		Requested:  summary.Requested,
		Skipped:    summary.Skipped,
		Fetched:    summary.Fetched,
		Dropped:    summary.Dropped,
		Raced:      summary.Raced,
		Products:   summary.Products,
		StartedAt:  started,
		FinishedAt: s.now(),
	}
	for _, n := range summary.History {
		run.HistoryEntries += n
	}
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}

	if err := s.store.Runs().Record(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn("failed to record ingestion run", "error", err)
	}
}

func (s *Service) run(ctx context.Context, logger *slog.Logger, req Request, summary *Summary) error {
	targets := uniqueIdentifiers(logger, req.Identifiers)
	summary.Requested = len(targets)
	s.metrics.AddRecords(metrics.StageRequested, len(targets))

	// An explicit list with nothing usable in it must not turn into discovery.
	if len(req.Identifiers) > 0 && len(targets) == 0 {
		logger.Warn("no valid identifiers requested; nothing to fetch", "given", len(req.Identifiers))
		summary.NoOp = true
		return nil
	}

	if len(targets) > 0 && !req.Refresh {
		existing, err := s.store.Products().ExistingASINs(ctx, targets)
		if err != nil {
			return fmt.Errorf("failed to check existing products: %w", err)
		}
		targets = withoutExisting(targets, existing)
		summary.Skipped = summary.Requested - len(targets)
		s.metrics.AddRecords(metrics.StageSkipped, summary.Skipped)

		if summary.Skipped > 0 {
			logger.Info("skipping products already stored", "count", summary.Skipped)
		}
		if len(targets) == 0 {
			logger.Info("all requested products already exist; nothing to fetch")
			summary.NoOp = true
			return nil
		}
	}

	records, err := s.source.Fetch(ctx, source.Request{Identifiers: targets, SearchPhrase: req.SearchPhrase})
	if err != nil {
		return fmt.Errorf("failed to fetch products: %w", err)
	}
	summary.Fetched = len(records)
	s.metrics.AddRecords(metrics.StageFetched, len(records))

	records, summary.Dropped = usableRecords(logger, records)
	s.metrics.AddRecords(metrics.StageDropped, summary.Dropped)

	if len(records) > 0 && !req.Refresh {
		asins := make([]string, len(records))
		for i, rec := range records {
			asins[i] = rec.ASIN
		}
		existing, err := s.store.Products().ExistingASINs(ctx, asins)
		if err != nil {
			return fmt.Errorf("failed to re-check existing products: %w", err)
		}
		kept := records[:0]
		for _, rec := range records {
			if _, ok := existing[rec.ASIN]; ok {
				logger.Info("skipping product stored while fetching", "asin", rec.ASIN)
				continue
			}
			kept = append(kept, rec)
		}
		summary.Raced = len(records) - len(kept)
		s.metrics.AddRecords(metrics.StageRaced, summary.Raced)
		records = kept
	}

	if len(records) == 0 {
		logger.Info("no products to ingest")
		summary.NoOp = true
		return nil
	}

	now := s.now()
	history := map[domain.ChangeType]int{}
	err = s.store.WithTx(ctx, func(repos repository.Repositories) error {
		for _, rec := range records {
			product, created, err := repos.Products.Upsert(ctx, rec, now)
			if err != nil {
				return fmt.Errorf("failed to upsert product %s: %w", rec.ASIN, err)
			}
			if !created && !req.Refresh {
				return fmt.Errorf("%w: %s", ErrIdentifierConflict, rec.ASIN)
			}

			obs, err := s.detector.Observe(ctx, repos, rec, now)
			if err != nil {
				return err
			}

			attrs := []any{"asin", product.ASIN, "title", product.Title, "offer_id", obs.Offer.ID}
			if obs.History != nil {
				history[obs.History.ChangeType]++
				attrs = append(attrs, "change", string(obs.History.ChangeType))
			}
			logger.Debug("ingested product", attrs...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	summary.Products = len(records)
	summary.Offers = len(records)
	summary.History = history
	s.metrics.AddRecords(metrics.StageIngested, len(records))
	entries := 0
	for change, n := range history {
		s.metrics.AddHistory(string(change), n)
		entries += n
	}

	logger.Info("ingestion cycle committed",
		"products", summary.Products,
		"history", entries,
		"skipped", summary.Skipped,
		"raced", summary.Raced,
	)
	return nil
}

// usableRecords drops records that fail validation and repeated identifiers,
// keeping the first occurrence.
func usableRecords(logger *slog.Logger, records []domain.IngestRecord) ([]domain.IngestRecord, int) {
	seen := make(map[string]struct{}, len(records))
	kept := make([]domain.IngestRecord, 0, len(records))
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			logger.Warn("dropping invalid record", "asin", rec.ASIN, "error", err)
			continue
		}
		if _, dup := seen[rec.ASIN]; dup {
			logger.Warn("dropping repeated record", "asin", rec.ASIN)
			continue
		}
		seen[rec.ASIN] = struct{}{}
		kept = append(kept, rec)
	}
	return kept, len(records) - len(kept)
}

// uniqueIdentifiers normalizes ids, drops malformed ones and repeats.
func uniqueIdentifiers(logger *slog.Logger, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := domain.NormalizeIdentifier(raw)
		if id == "" {
			continue
		}
		if !domain.ValidIdentifier(id) {
			logger.Warn("ignoring malformed identifier", "identifier", raw)
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func withoutExisting(ids []string, existing map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := existing[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
