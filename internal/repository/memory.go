package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/pricetrail/internal/domain"
)

// MemoryStore is an in-process Store. Transactions are serialized and run
// against a private copy of the state that replaces the shared state only on
// success, so a failed unit of work leaves nothing behind. Offers and history
// entries get ids from monotonic sequences.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState

	runsMu sync.Mutex
	runs   []domain.IngestionRun
}

type memoryState struct {
	products   map[string]domain.Product
	offers     map[string][]domain.Offer
	history    map[string][]domain.HistoryEntry
	offerSeq   int64
	historySeq int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func newMemoryState() *memoryState {
	return &memoryState{
		products: make(map[string]domain.Product),
		offers:   make(map[string][]domain.Offer),
		history:  make(map[string][]domain.HistoryEntry),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	c.offerSeq = s.offerSeq
	c.historySeq = s.historySeq
	for k, v := range s.products {
		c.products[k] = v
	}
	// Offers and history are append-only; sharing the backing arrays is safe
	// as long as appends go to a fresh slice header, which cap trimming forces.
	for k, v := range s.offers {
		c.offers[k] = v[:len(v):len(v)]
	}
	for k, v := range s.history {
		c.history[k] = v[:len(v):len(v)]
	}
	return c
}

// Products returns a repository whose calls each run as their own transaction.
func (s *MemoryStore) Products() ProductRepository {
	return autocommitProducts{store: s}
}

// WithTx runs fn against a copy of the state and publishes it when fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	working := s.state.clone()
	if err := fn(memoryRepositories(working)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.state = working
	return nil
}

// Runs returns the in-memory run log.
func (s *MemoryStore) Runs() IngestionRunRepository {
	return memoryRuns{store: s}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

func memoryRepositories(st *memoryState) Repositories {
	return Repositories{
		Products: memoryProducts{st: st},
		Offers:   memoryOffers{st: st},
		History:  memoryHistory{st: st},
	}
}

type autocommitProducts struct {
	store *MemoryStore
}

func (a autocommitProducts) ExistingASINs(ctx context.Context, asins []string) (map[string]struct{}, error) {
	var existing map[string]struct{}
	err := a.store.WithTx(ctx, func(r Repositories) error {
		var err error
		existing, err = r.Products.ExistingASINs(ctx, asins)
		return err
	})
	return existing, err
}

func (a autocommitProducts) Upsert(ctx context.Context, rec domain.IngestRecord, now time.Time) (domain.Product, bool, error) {
	var (
		product domain.Product
		created bool
	)
	err := a.store.WithTx(ctx, func(r Repositories) error {
		var err error
		product, created, err = r.Products.Upsert(ctx, rec, now)
		return err
	})
	return product, created, err
}

func (a autocommitProducts) GetByASIN(ctx context.Context, asin string) (domain.Product, error) {
	var product domain.Product
	err := a.store.WithTx(ctx, func(r Repositories) error {
		var err error
		product, err = r.Products.GetByASIN(ctx, asin)
		return err
	})
	return product, err
}

type memoryProducts struct {
	st *memoryState
}

func (m memoryProducts) ExistingASINs(_ context.Context, asins []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	for _, asin := range asins {
		if _, ok := m.st.products[asin]; ok {
			existing[asin] = struct{}{}
		}
	}
	return existing, nil
}

func (m memoryProducts) Upsert(_ context.Context, rec domain.IngestRecord, now time.Time) (domain.Product, bool, error) {
	current, ok := m.st.products[rec.ASIN]
	if !ok {
		product := domain.NewProductFromRecord(rec, now)
		m.st.products[rec.ASIN] = product
		return product, true, nil
	}

	refreshed := current.Refresh(rec, now)
	m.st.products[rec.ASIN] = refreshed
	return refreshed, false, nil
}

func (m memoryProducts) GetByASIN(_ context.Context, asin string) (domain.Product, error) {
	product, ok := m.st.products[asin]
	if !ok {
		return domain.Product{}, fmt.Errorf("product %s: %w", asin, ErrNotFound)
	}
	return product, nil
}

type memoryOffers struct {
	st *memoryState
}

func (m memoryOffers) Insert(_ context.Context, offer domain.Offer) (domain.Offer, error) {
	if _, ok := m.st.products[offer.ProductID]; !ok {
		return domain.Offer{}, fmt.Errorf("failed to insert offer for %s: %w", offer.ProductID, ErrNotFound)
	}

	existing := m.st.offers[offer.ProductID]
	for _, prior := range existing {
		if prior.ObservedAt.After(offer.ObservedAt) {
			offer.ObservedAt = prior.ObservedAt
		}
	}

	m.st.offerSeq++
	offer.ID = m.st.offerSeq
	m.st.offers[offer.ProductID] = append(existing, offer)
	return offer, nil
}

func (m memoryOffers) Previous(_ context.Context, productID string, excludeID int64) (*domain.Offer, error) {
	var latest *domain.Offer
	for _, candidate := range m.st.offers[productID] {
		if candidate.ID == excludeID {
			continue
		}
		if latest == nil || latest.Before(candidate) {
			c := candidate
			latest = &c
		}
	}
	return latest, nil
}

func (m memoryOffers) ListByProduct(_ context.Context, productID string) ([]domain.Offer, error) {
	offers := append([]domain.Offer{}, m.st.offers[productID]...)
	sort.SliceStable(offers, func(i, j int) bool { return offers[i].Before(offers[j]) })
	return offers, nil
}

type memoryHistory struct {
	st *memoryState
}

func (m memoryHistory) Append(_ context.Context, entry domain.HistoryEntry) (domain.HistoryEntry, error) {
	if !entry.ChangeType.Valid() {
		return domain.HistoryEntry{}, fmt.Errorf("refusing to append history for %s: unknown change type %q", entry.ProductID, entry.ChangeType)
	}
	if _, ok := m.st.products[entry.ProductID]; !ok {
		return domain.HistoryEntry{}, fmt.Errorf("failed to append history for %s: %w", entry.ProductID, ErrNotFound)
	}

	m.st.historySeq++
	entry.ID = m.st.historySeq
	m.st.history[entry.ProductID] = append(m.st.history[entry.ProductID], entry)
	return entry, nil
}

func (m memoryHistory) ListByProduct(_ context.Context, productID string, since time.Time) ([]domain.HistoryEntry, error) {
	entries := []domain.HistoryEntry{}
	for _, entry := range m.st.history[productID] {
		if !entry.ObservedAt.Before(since) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

type memoryRuns struct {
	store *MemoryStore
}

func (m memoryRuns) Record(_ context.Context, run domain.IngestionRun) error {
	m.store.runsMu.Lock()
	defer m.store.runsMu.Unlock()
	m.store.runs = append(m.store.runs, run)
	return nil
}

func (m memoryRuns) List(_ context.Context, limit int) ([]domain.IngestionRun, error) {
	m.store.runsMu.Lock()
	defer m.store.runsMu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	runs := make([]domain.IngestionRun, 0, limit)
	for i := len(m.store.runs) - 1; i >= 0 && len(runs) < limit; i-- {
		runs = append(runs, m.store.runs[i])
	}
	return runs, nil
}
