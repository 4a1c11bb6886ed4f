// Package loadtest drives concurrent readers and writers against a local
// store and reports query latency.
//
// It is used by `tl bench` and by the package tests to check that index
// lookups stay fast on a realistically sized ledger and that concurrent
// writes never lose a sync queue entry.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/schema"
)

var (
	recordTypes = []string{"income", "expense"}
	categories  = map[string][]string{
		"income":  {"donation", "offering", "ceremony", "rental"},
		"expense": {"utilities", "maintenance", "supplies", "charity"},
	}
	baseDate = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Ledger is a populated store for load testing.
type Ledger struct {
	Store      *db.DB
	RecordIDs  []string
	Believers  int
	TotalItems int
}

// LatencyStats captures performance metrics from a load run.
type LatencyStats struct {
	Min          time.Duration   `json:"min"`
	Max          time.Duration   `json:"max"`
	Mean         time.Duration   `json:"mean"`
	P50          time.Duration   `json:"p50"`
	P95          time.Duration   `json:"p95"`
	P99          time.Duration   `json:"p99"`
	TotalQueries int             `json:"total_queries"`
	Errors       int             `json:"errors"`
	Durations    []time.Duration `json:"-"`
}

// MixedResult reports a concurrent read/write run.
type MixedResult struct {
	Reads  int           `json:"reads"`
	Writes int           `json:"writes"`
	Queued int           `json:"queued"`
	Reader *LatencyStats `json:"reader"`
	Writer *LatencyStats `json:"writer"`
}

// Seed fills store with numRecords records and one believer per ten
// records. Values are deterministic so runs are comparable.
func Seed(ctx context.Context, store *db.DB, numRecords int) (*Ledger, error) {
	l := &Ledger{Store: store, RecordIDs: make([]string, 0, numRecords)}

	ops := make([]db.Operation, 0, numRecords+numRecords/10)
	for _, doc := range generateRecords(numRecords) {
		ops = append(ops, db.Operation{Type: db.OpAdd, Collection: schema.Records, Data: doc})
		l.RecordIDs = append(l.RecordIDs, doc.ID())
	}
	for i := 0; i < numRecords/10; i++ {
		ops = append(ops, db.Operation{Type: db.OpAdd, Collection: schema.Believers, Data: schema.Document{
			"id":            fmt.Sprintf("load-b%05d", i),
			"name":          fmt.Sprintf("Believer %d", i),
			"phone":         fmt.Sprintf("555-%04d", i),
			"totalDonation": (i % 20) * 100,
		}})
		l.Believers++
	}
	if _, err := store.Batch(ctx, ops); err != nil {
		return nil, fmt.Errorf("failed to seed store: %w", err)
	}
	l.TotalItems = len(ops)
	return l, nil
}

func generateRecords(count int) []schema.Document {
	// Deterministic random for reproducibility
	rng := rand.New(rand.NewSource(42))
	docs := make([]schema.Document, count)
	for i := 0; i < count; i++ {
		typ := recordTypes[i%len(recordTypes)]
		cats := categories[typ]
		docs[i] = schema.Document{
			"id":          fmt.Sprintf("load-r%05d", i),
			"type":        typ,
			"category":    cats[rng.Intn(len(cats))],
			"amount":      float64(rng.Intn(100000)) / 100,
			"date":        baseDate.AddDate(0, 0, rng.Intn(365)).Format("2006-01-02"),
			"description": fmt.Sprintf("load test %s %d", typ, i),
		}
	}
	return docs
}

// query runs one of the lookups the UI issues most often.
func (l *Ledger) query(ctx context.Context, rng *rand.Rand) error {
	switch rng.Intn(3) {
	case 0:
		_, err := l.Store.GetByIndex(ctx, schema.Records, "type", recordTypes[rng.Intn(len(recordTypes))])
		return err
	case 1:
		from := baseDate.AddDate(0, rng.Intn(11), 0)
		_, err := l.Store.GetByRange(ctx, schema.Records, "date",
			from.Format("2006-01-02"), from.AddDate(0, 1, 0).Format("2006-01-02"))
		return err
	default:
		cats := categories["income"]
		_, err := l.Store.Query(ctx, schema.Records, db.Conditions{
			"category": db.Equals(cats[rng.Intn(len(cats))]),
			"amount":   db.Between(100, nil),
		})
		return err
	}
}

// RunConcurrentQueries runs numWorkers goroutines that each perform
// queriesPerWorker index queries, and aggregates their latency.
func (l *Ledger) RunConcurrentQueries(ctx context.Context, numWorkers, queriesPerWorker int) (*LatencyStats, error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
		errs      []error
	)

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(worker)))
			local := make([]time.Duration, 0, queriesPerWorker)
			for j := 0; j < queriesPerWorker; j++ {
				start := time.Now()
				err := l.query(ctx, rng)
				local = append(local, time.Since(start))
				if err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("worker %d query %d: %w", worker, j, err))
					mu.Unlock()
					break
				}
			}
			mu.Lock()
			durations = append(durations, local...)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(durations) == 0 {
		return nil, fmt.Errorf("no queries completed: %w", errors.Join(errs...))
	}
	stats := computeLatencyStats(durations)
	stats.Errors = len(errs)
	return stats, nil
}

// RunMixed runs readers and writers side by side until ctx is done or
// each writer has made writesPerWriter additions. It fails if the sync
// queue gained a different number of entries than writes succeeded.
func (l *Ledger) RunMixed(ctx context.Context, readers, writers, writesPerWriter int) (*MixedResult, error) {
	before, err := l.Store.CountPending(ctx)
	if err != nil {
		return nil, err
	}

	writeCtx, stopReaders := context.WithCancel(ctx)
	defer stopReaders()

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		readTimes    []time.Duration
		writeTimes   []time.Duration
		readErrs     int
		writeErrs    int
		readerFailed error
	)

	var readersWG sync.WaitGroup
	for i := 0; i < readers; i++ {
		readersWG.Add(1)
		go func(reader int) {
			defer readersWG.Done()
			rng := rand.New(rand.NewSource(int64(1000 + reader)))
			for writeCtx.Err() == nil {
				start := time.Now()
				docs, err := l.Store.GetByIndex(writeCtx, schema.Records, "type", recordTypes[rng.Intn(len(recordTypes))])
				elapsed := time.Since(start)
				mu.Lock()
				if err != nil {
					if writeCtx.Err() == nil {
						readErrs++
					}
				} else {
					readTimes = append(readTimes, elapsed)
				}
				for _, d := range docs {
					if d.ID() == "" && readerFailed == nil {
						readerFailed = fmt.Errorf("reader %d saw a record without an id", reader)
					}
				}
				mu.Unlock()
			}
		}(i)
	}

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter && ctx.Err() == nil; j++ {
				start := time.Now()
				_, err := l.Store.Add(ctx, schema.Records, schema.Document{
					"id":       fmt.Sprintf("load-w%02d-%05d", writer, j),
					"type":     "income",
					"category": "donation",
					"amount":   float64(j),
					"date":     baseDate.Format("2006-01-02"),
				})
				elapsed := time.Since(start)
				mu.Lock()
				if err != nil {
					writeErrs++
				} else {
					writeTimes = append(writeTimes, elapsed)
				}
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	stopReaders()
	readersWG.Wait()

	if readerFailed != nil {
		return nil, readerFailed
	}

	after, err := l.Store.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	res := &MixedResult{
		Reads:  len(readTimes),
		Writes: len(writeTimes),
		Queued: after - before,
		Reader: computeLatencyStats(readTimes),
		Writer: computeLatencyStats(writeTimes),
	}
	res.Reader.Errors = readErrs
	res.Writer.Errors = writeErrs
	if res.Queued != res.Writes {
		return res, fmt.Errorf("sync queue grew by %d for %d writes", res.Queued, res.Writes)
	}
	return res, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// Fprint writes the statistics as an aligned block.
func (s *LatencyStats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "  Total:        %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:       %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
}
