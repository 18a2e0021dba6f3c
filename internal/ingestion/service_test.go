package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rpattn/pricetrail/internal/domain"
	"github.com/rpattn/pricetrail/internal/logging"
	"github.com/rpattn/pricetrail/internal/metrics"
	"github.com/rpattn/pricetrail/internal/repository"
	"github.com/rpattn/pricetrail/internal/source"
)

var errBoom = errors.New("boom")

func strPtr(s string) *string { return &s }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func record(asin, price, availability, seller string) domain.IngestRecord {
	rec := domain.IngestRecord{
		ASIN:         asin,
		Title:        "Product " + asin,
		Brand:        strPtr("Acme"),
		Currency:     "USD",
		Availability: strPtr(availability),
		Seller:       strPtr(seller),
	}
	if price != "" {
		rec.Price = decPtr(price)
	}
	return rec
}

type stubSource struct {
	records []domain.IngestRecord
	err     error
	calls   int
	last    source.Request
	onFetch func()
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Fetch(_ context.Context, req source.Request) ([]domain.IngestRecord, error) {
	s.calls++
	s.last = req
	if s.onFetch != nil {
		s.onFetch()
	}
	return s.records, s.err
}

type faultyOffers struct {
	repository.OfferRepository
	failOn int
	calls  *int
}

func (f faultyOffers) Insert(ctx context.Context, offer domain.Offer) (domain.Offer, error) {
	*f.calls++
	if *f.calls == f.failOn {
		return domain.Offer{}, errBoom
	}
	return f.OfferRepository.Insert(ctx, offer)
}

// faultyStore fails the failOn-th offer insert of a transaction.
type faultyStore struct {
	*repository.MemoryStore
	failOn int
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(repository.Repositories) error) error {
	return f.MemoryStore.WithTx(ctx, func(r repository.Repositories) error {
		calls := 0
		r.Offers = faultyOffers{OfferRepository: r.Offers, failOn: f.failOn, calls: &calls}
		return fn(r)
	})
}

type blindProducts struct {
	repository.ProductRepository
}

func (blindProducts) ExistingASINs(context.Context, []string) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

// staleStore answers existence checks as if it were empty, like a reader
// that has not yet seen another cycle's commit.
type staleStore struct {
	*repository.MemoryStore
}

func (s staleStore) Products() repository.ProductRepository {
	return blindProducts{ProductRepository: s.MemoryStore.Products()}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestService(store repository.Store, src source.Source) (*Service, *clock) {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(store, src, metrics.NewIngest(), logging.Discard())
	svc.now = c.now
	return svc, c
}

func offersFor(t *testing.T, store *repository.MemoryStore, asin string) []domain.Offer {
	t.Helper()
	var offers []domain.Offer
	err := store.WithTx(context.Background(), func(r repository.Repositories) error {
		var err error
		offers, err = r.Offers.ListByProduct(context.Background(), asin)
		return err
	})
	if err != nil {
		t.Fatalf("list offers: %v", err)
	}
	return offers
}

func historyFor(t *testing.T, store *repository.MemoryStore, asin string) []domain.HistoryEntry {
	t.Helper()
	var entries []domain.HistoryEntry
	err := store.WithTx(context.Background(), func(r repository.Repositories) error {
		var err error
		entries, err = r.History.ListByProduct(context.Background(), asin, time.Time{})
		return err
	})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	return entries
}

func TestRun_FirstObservationIsInitial(t *testing.T) {
	store := repository.NewMemoryStore()
	src := &stubSource{records: []domain.IngestRecord{
		record("B08N5WRWNW", "49.99", "In Stock", "Amazon.com"),
		record("B07XJ8C8F5", "", "Check availability", "Amazon.com"),
	}}
	svc, _ := newTestService(store, src)

	summary, err := svc.Run(context.Background(), Request{Identifiers: []string{"B08N5WRWNW", "b07xj8c8f5"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.NoOp || summary.Products != 2 || summary.Offers != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.History[domain.ChangeInitial] != 2 || len(summary.History) != 1 {
		t.Fatalf("expected two initial entries, got %v", summary.History)
	}
	if len(src.last.Identifiers) != 2 || src.last.Identifiers[1] != "B07XJ8C8F5" {
		t.Fatalf("expected normalized identifiers to reach the source, got %v", src.last.Identifiers)
	}

	for _, asin := range []string{"B08N5WRWNW", "B07XJ8C8F5"} {
		entries := historyFor(t, store, asin)
		if len(entries) != 1 || entries[0].ChangeType != domain.ChangeInitial {
			t.Fatalf("%s: expected one initial entry, got %+v", asin, entries)
		}
	}
}

func TestRun_PreFetchShortCircuit(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	for _, asin := range []string{"B08N5WRWNW", "B07XJ8C8F5"} {
		if _, _, err := store.Products().Upsert(ctx, record(asin, "10.00", "In Stock", "A"), time.Now()); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	src := &stubSource{}
	svc, _ := newTestService(store, src)

	summary, err := svc.Run(ctx, Request{Identifiers: []string{"B08N5WRWNW", "B07XJ8C8F5"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.calls != 0 {
		t.Fatalf("expected no fetch, got %d calls", src.calls)
	}
	if !summary.NoOp || summary.Skipped != 2 || summary.Products != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestRun_MalformedIdentifiersDoNotDiscover(t *testing.T) {
	store := repository.NewMemoryStore()
	src := &stubSource{records: []domain.IngestRecord{record("B08N5WRWNW", "49.99", "In Stock", "A")}}
	svc, _ := newTestService(store, src)

	for _, ids := range [][]string{{"not-an-asin"}, {"", "   "}} {
		summary, err := svc.Run(context.Background(), Request{Identifiers: ids, SearchPhrase: "echo"})
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", ids, err)
		}
		if !summary.NoOp || summary.Requested != 0 || summary.Products != 0 {
			t.Fatalf("%q: unexpected summary: %+v", ids, summary)
		}
	}
	if src.calls != 0 {
		t.Fatalf("expected no fetch, got %d calls", src.calls)
	}
	if offers := offersFor(t, store, "B08N5WRWNW"); len(offers) != 0 {
		t.Fatalf("expected nothing stored, got %+v", offers)
	}
}

func TestRun_PreFetchNarrowsTargets(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	if _, _, err := store.Products().Upsert(ctx, record("B08N5WRWNW", "10.00", "In Stock", "A"), time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	src := &stubSource{records: []domain.IngestRecord{record("B07XJ8C8F5", "5.00", "In Stock", "A")}}
	svc, _ := newTestService(store, src)

	summary, err := svc.Run(ctx, Request{Identifiers: []string{"B08N5WRWNW", "B07XJ8C8F5", "B08N5WRWNW"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Requested != 2 || summary.Skipped != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(src.last.Identifiers) != 1 || src.last.Identifiers[0] != "B07XJ8C8F5" {
		t.Fatalf("expected only the unknown identifier to be fetched, got %v", src.last.Identifiers)
	}
}

func TestRun_PostFetchRaceGuard(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	src := &stubSource{records: []domain.IngestRecord{
		record("B08N5WRWNW", "49.99", "In Stock", "Amazon.com"),
		record("B07XJ8C8F5", "39.99", "In Stock", "Amazon.com"),
	}}
	// Another cycle stores one of the products while this one is fetching.
	src.onFetch = func() {
		if _, _, err := store.Products().Upsert(ctx, record("B07XJ8C8F5", "1.00", "Gone", "Other"), time.Now()); err != nil {
			t.Fatalf("concurrent insert: %v", err)
		}
	}
	svc, _ := newTestService(store, src)

	summary, err := svc.Run(ctx, Request{Identifiers: []string{"B08N5WRWNW", "B07XJ8C8F5"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Fetched != 2 || summary.Raced != 1 || summary.Products != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if offers := offersFor(t, store, "B07XJ8C8F5"); len(offers) != 0 {
		t.Fatalf("raced product must not get an offer, got %+v", offers)
	}
	product, err := store.Products().GetByASIN(ctx, "B07XJ8C8F5")
	if err != nil {
		t.Fatalf("get raced product: %v", err)
	}
	if *product.Brand != "Acme" || product.Title != "Product B07XJ8C8F5" {
		t.Fatalf("raced product snapshot was overwritten: %+v", product)
	}
}

func TestRun_AllRacedIsNoOp(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	src := &stubSource{records: []domain.IngestRecord{record("B08N5WRWNW", "49.99", "In Stock", "A")}}
	src.onFetch = func() {
		if _, _, err := store.Products().Upsert(ctx, record("B08N5WRWNW", "49.99", "In Stock", "A"), time.Now()); err != nil {
			t.Fatalf("concurrent insert: %v", err)
		}
	}
	svc, _ := newTestService(store, src)

	summary, err := svc.Run(ctx, Request{Identifiers: []string{"B08N5WRWNW"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !summary.NoOp || summary.Raced != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestRun_EmptyFetchIsNoOp(t *testing.T) {
	store := repository.NewMemoryStore()
	src := &stubSource{}
	svc, _ := newTestService(store, src)

	summary, err := svc.Run(context.Background(), Request{SearchPhrase: "echo dot"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !summary.NoOp || src.calls != 1 {
		t.Fatalf("expected a fetch and a no-op result, got %+v (calls=%d)", summary, src.calls)
	}
	if src.last.SearchPhrase != "echo dot" || len(src.last.Identifiers) != 0 {
		t.Fatalf("unexpected source request: %+v", src.last)
	}
}

func TestRun_AtomicOnFailure(t *testing.T) {
	store := &faultyStore{MemoryStore: repository.NewMemoryStore(), failOn: 3}
	src := &stubSource{records: []domain.IngestRecord{
		record("B08N5WRWNW", "49.99", "In Stock", "A"),
		record("B07XJ8C8F5", "39.99", "In Stock", "A"),
		record("B09B8V1LZ3", "99.99", "In Stock", "A"),
		record("B0BSHF7WHW", "19.99", "In Stock", "A"),
	}}
	svc, _ := newTestService(store, src)

	summary, err := svc.Run(context.Background(), Request{Identifiers: []string{
		"B08N5WRWNW", "B07XJ8C8F5", "B09B8V1LZ3", "B0BSHF7WHW",
	}})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected the storage error, got %v", err)
	}
	if summary.Products != 0 || len(summary.History) != 0 {
		t.Fatalf("failed cycle must not report writes: %+v", summary)
	}

	existing, err := store.Products().ExistingASINs(context.Background(), []string{
		"B08N5WRWNW", "B07XJ8C8F5", "B09B8V1LZ3", "B0BSHF7WHW",
	})
	if err != nil {
		t.Fatalf("existing: %v", err)
	}
	if len(existing) != 0 {
		t.Fatalf("expected no products after rollback, got %v", existing)
	}
	for _, asin := range []string{"B08N5WRWNW", "B07XJ8C8F5"} {
		if offers := offersFor(t, store.MemoryStore, asin); len(offers) != 0 {
			t.Fatalf("%s: expected no offers after rollback, got %d", asin, len(offers))
		}
		if entries := historyFor(t, store.MemoryStore, asin); len(entries) != 0 {
			t.Fatalf("%s: expected no history after rollback, got %d", asin, len(entries))
		}
	}
}

func TestRun_ConflictAtWriteTimeRollsBack(t *testing.T) {
	mem := repository.NewMemoryStore()
	ctx := context.Background()
	if _, _, err := mem.Products().Upsert(ctx, record("B07XJ8C8F5", "1.00", "In Stock", "A"), time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	src := &stubSource{records: []domain.IngestRecord{
		record("B08N5WRWNW", "49.99", "In Stock", "A"),
		record("B07XJ8C8F5", "39.99", "In Stock", "A"),
	}}
	svc, _ := newTestService(staleStore{MemoryStore: mem}, src)

	_, err := svc.Run(ctx, Request{Identifiers: []string{"B08N5WRWNW", "B07XJ8C8F5"}})
	if !errors.Is(err, ErrIdentifierConflict) {
		t.Fatalf("expected ErrIdentifierConflict, got %v", err)
	}

	existing, err := mem.Products().ExistingASINs(ctx, []string{"B08N5WRWNW"})
	if err != nil {
		t.Fatalf("existing: %v", err)
	}
	if len(existing) != 0 {
		t.Fatalf("expected the first product to be rolled back")
	}
	if offers := offersFor(t, mem, "B07XJ8C8F5"); len(offers) != 0 {
		t.Fatalf("expected no offers for the conflicting product, got %d", len(offers))
	}
}

func TestRun_SourceErrorPropagates(t *testing.T) {
	store := repository.NewMemoryStore()
	svc, _ := newTestService(store, &stubSource{err: errBoom})

	if _, err := svc.Run(context.Background(), Request{Identifiers: []string{"B08N5WRWNW"}}); !errors.Is(err, errBoom) {
		t.Fatalf("expected the source error, got %v", err)
	}
}

func TestRun_DropsInvalidAndRepeatedRecords(t *testing.T) {
	store := repository.NewMemoryStore()
	short := record("B07XJ8C8F5", "1.00", "In Stock", "A")
	short.Title = "Tiny"
	src := &stubSource{records: []domain.IngestRecord{
		record("B08N5WRWNW", "49.99", "In Stock", "A"),
		short,
		record("B08N5WRWNW", "59.99", "In Stock", "A"),
	}}
	svc, _ := newTestService(store, src)

	summary, err := svc.Run(context.Background(), Request{SearchPhrase: "echo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Fetched != 3 || summary.Dropped != 2 || summary.Products != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	offers := offersFor(t, store, "B08N5WRWNW")
	if len(offers) != 1 || offers[0].Price.String() != "49.99" {
		t.Fatalf("expected the first occurrence to win, got %+v", offers)
	}
}

func TestRun_RefreshClassifiesByPriority(t *testing.T) {
	store := repository.NewMemoryStore()
	src := &stubSource{}
	svc, clk := newTestService(store, src)
	ctx := context.Background()
	req := Request{Identifiers: []string{"B08N5WRWNW"}, Refresh: true}

	src.records = []domain.IngestRecord{record("B08N5WRWNW", "10.00", "In Stock", "A")}
	if _, err := svc.Run(ctx, req); err != nil {
		t.Fatalf("first run: %v", err)
	}

	clk.t = clk.t.Add(time.Hour)
	src.records = []domain.IngestRecord{record("B08N5WRWNW", "12.00", "Out of Stock", "B")}
	summary, err := svc.Run(ctx, req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.History[domain.ChangePrice] != 1 || len(summary.History) != 1 {
		t.Fatalf("expected a single price change, got %v", summary.History)
	}
	if summary.Skipped != 0 || summary.Raced != 0 {
		t.Fatalf("refresh must not filter existing products: %+v", summary)
	}
}

func TestRun_RefreshWithoutChangeStoresOfferOnly(t *testing.T) {
	store := repository.NewMemoryStore()
	src := &stubSource{records: []domain.IngestRecord{record("B08N5WRWNW", "10.00", "In Stock", "A")}}
	svc, clk := newTestService(store, src)
	ctx := context.Background()
	req := Request{Identifiers: []string{"B08N5WRWNW"}, Refresh: true}

	if _, err := svc.Run(ctx, req); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := store.Products().GetByASIN(ctx, "B08N5WRWNW")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}

	clk.t = clk.t.Add(time.Hour)
	summary, err := svc.Run(ctx, req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(summary.History) != 0 || summary.Offers != 1 {
		t.Fatalf("expected an offer without history, got %+v", summary)
	}

	if offers := offersFor(t, store, "B08N5WRWNW"); len(offers) != 2 {
		t.Fatalf("expected both offers stored, got %d", len(offers))
	}
	if entries := historyFor(t, store, "B08N5WRWNW"); len(entries) != 1 {
		t.Fatalf("expected only the initial entry, got %d", len(entries))
	}

	second, err := store.Products().GetByASIN(ctx, "B08N5WRWNW")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if second.Title != first.Title || *second.Brand != *first.Brand || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("snapshot changed: %+v -> %+v", first, second)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("expected updated_at to advance")
	}
}

func TestRun_SubCentPriceNoiseIsNotAChange(t *testing.T) {
	store := repository.NewMemoryStore()
	src := &stubSource{}
	svc, clk := newTestService(store, src)
	ctx := context.Background()
	req := Request{Identifiers: []string{"B08N5WRWNW"}, Refresh: true}

	for _, p := range []string{"12.999", "13.00", "13.001"} {
		src.records = []domain.IngestRecord{record("B08N5WRWNW", p, "In Stock", "A")}
		if _, err := svc.Run(ctx, req); err != nil {
			t.Fatalf("run with %s: %v", p, err)
		}
		clk.t = clk.t.Add(time.Hour)
	}

	entries := historyFor(t, store, "B08N5WRWNW")
	if len(entries) != 1 || entries[0].ChangeType != domain.ChangeInitial {
		t.Fatalf("expected only the initial entry, got %+v", entries)
	}
	offers := offersFor(t, store, "B08N5WRWNW")
	if len(offers) != 3 || !offers[0].Price.Equal(decimal.RequireFromString("13.00")) {
		t.Fatalf("expected three offers priced 13.00, got %+v", offers)
	}
}

func TestRun_ComparesWithMostRecentOffer(t *testing.T) {
	store := repository.NewMemoryStore()
	src := &stubSource{}
	svc, clk := newTestService(store, src)
	ctx := context.Background()
	req := Request{Identifiers: []string{"B08N5WRWNW"}, Refresh: true}

	prices := []string{"10.00", "12.00", "12.00"}
	var last Summary
	for i, p := range prices {
		clk.t = clk.t.Add(time.Duration(i) * time.Minute)
		src.records = []domain.IngestRecord{record("B08N5WRWNW", p, "In Stock", "A")}
		summary, err := svc.Run(ctx, req)
		if err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
		last = summary
	}

	if len(last.History) != 0 {
		t.Fatalf("third offer must be compared with the second, got %v", last.History)
	}
	entries := historyFor(t, store, "B08N5WRWNW")
	if len(entries) != 2 || entries[0].ChangeType != domain.ChangeInitial || entries[1].ChangeType != domain.ChangePrice {
		t.Fatalf("unexpected history: %+v", entries)
	}
}

func TestRun_SameTimestampUsesSequence(t *testing.T) {
	store := repository.NewMemoryStore()
	src := &stubSource{}
	svc, _ := newTestService(store, src)
	ctx := context.Background()
	req := Request{Identifiers: []string{"B08N5WRWNW"}, Refresh: true}

	for _, availability := range []string{"In Stock", "Out of Stock", "Out of Stock"} {
		src.records = []domain.IngestRecord{record("B08N5WRWNW", "10.00", availability, "A")}
		if _, err := svc.Run(ctx, req); err != nil {
			t.Fatalf("run: %v", err)
		}
	}

	entries := historyFor(t, store, "B08N5WRWNW")
	if len(entries) != 2 || entries[1].ChangeType != domain.ChangeAvailability {
		t.Fatalf("unexpected history: %+v", entries)
	}
}

func TestRun_RecordsEveryOutcome(t *testing.T) {
	store := &faultyStore{MemoryStore: repository.NewMemoryStore(), failOn: 1}
	ctx := context.Background()
	src := &stubSource{records: []domain.IngestRecord{record("B08N5WRWNW", "49.99", "In Stock", "A")}}
	svc, _ := newTestService(store, src)

	failed, err := svc.Run(ctx, Request{Identifiers: []string{"B08N5WRWNW"}})
	if err == nil {
		t.Fatalf("expected the first cycle to fail")
	}

	store.failOn = 0
	committed, err := svc.Run(ctx, Request{Identifiers: []string{"B08N5WRWNW"}})
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	noop, err := svc.Run(ctx, Request{Identifiers: []string{"B08N5WRWNW"}})
	if err != nil {
		t.Fatalf("third cycle: %v", err)
	}

	runs, err := store.Runs().List(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}

	want := []struct {
		id     string
		status string
	}{
		{noop.RunID.String(), domain.RunNoOp},
		{committed.RunID.String(), domain.RunCommitted},
		{failed.RunID.String(), domain.RunFailed},
	}
	for i, w := range want {
		if runs[i].ID.String() != w.id || runs[i].Status != w.status {
			t.Fatalf("run %d: expected %s/%s, got %s/%s", i, w.id, w.status, runs[i].ID, runs[i].Status)
		}
	}
	if runs[2].ErrorMessage == "" || runs[2].Products != 0 {
		t.Fatalf("failed run should carry the error and no writes: %+v", runs[2])
	}
	if runs[1].Products != 1 || runs[1].HistoryEntries != 1 || runs[1].Source != "stub" {
		t.Fatalf("unexpected committed run: %+v", runs[1])
	}
	if failed.RunID == committed.RunID {
		t.Fatalf("expected distinct run ids")
	}
}
