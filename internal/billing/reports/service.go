package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/coachdesk/coachdesk/internal/billing"
)

// Store is the read model the service aggregates over.
type Store interface {
	ListEntries(ctx context.Context, f HistoryFilter) ([]billing.LedgerEntry, error)
	Totals(ctx context.Context, f HistoryFilter) (decimal.Decimal, int, error)
	MonthlyTotals(ctx context.Context, year int) ([]MonthlyTotal, error)
	TopClients(ctx context.Context, year, limit int) ([]ClientTotal, error)
	DuePlans(ctx context.Context, today, until time.Time) ([]DueClient, error)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Location *time.Location
	Clock    func() time.Time
}

// Service answers reporting queries, caching aggregates until the ledger changes.
type Service struct {
	store  Store
	cache  *Cache
	logger *slog.Logger
	loc    *time.Location
	clock  func() time.Time
	group  singleflight.Group
}

// NewService wires a Store with a Cache helper. cache may be nil.
func NewService(store Store, cache *Cache, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, cache: cache, logger: logger, loc: loc, clock: clock}
}

// Today returns the current calendar date in the billing location.
func (s *Service) Today() time.Time {
	return billing.DateOf(s.clock(), s.loc)
}

// History lists ledger entries matching the filter with the exact total over all matches.
func (s *Service) History(ctx context.Context, f HistoryFilter) (HistoryResult, error) {
	if err := f.Validate(); err != nil {
		return HistoryResult{}, err
	}
	loader := func(ctx context.Context) (any, error) {
		var result HistoryResult
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			entries, err := s.store.ListEntries(gctx, f)
			if err != nil {
				return err
			}
			result.Entries = lo.Ternary(entries == nil, []billing.LedgerEntry{}, entries)
			return nil
		})
		g.Go(func() error {
			total, count, err := s.store.Totals(gctx, f)
			if err != nil {
				return err
			}
			result.TotalAmount = total
			result.Count = count
			return nil
		})
		if err := g.Wait(); err != nil {
			return HistoryResult{}, err
		}
		return result, nil
	}
	var result HistoryResult
	if err := s.cached(ctx, f.cacheKey(), &result, loader); err != nil {
		return HistoryResult{}, err
	}
	return result, nil
}

// Stats summarises one year: per-month totals, the yearly total and the top clients.
// A year without payments yields empty slices and a zero total.
func (s *Service) Stats(ctx context.Context, year, top int) (Stats, error) {
	if year < 1900 || year > 9999 {
		return Stats{}, fmt.Errorf("%w: year %d out of range", billing.ErrInvalidInput, year)
	}
	if top <= 0 {
		top = DefaultTopClients
	}
	if top > MaxTopClients {
		return Stats{}, fmt.Errorf("%w: top must be at most %d", billing.ErrInvalidInput, MaxTopClients)
	}
	parts := []string{"reports", "stats", strconv.Itoa(year), strconv.Itoa(top)}
	loader := func(ctx context.Context) (any, error) {
		stats := Stats{Year: year}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			monthly, err := s.store.MonthlyTotals(gctx, year)
			if err != nil {
				return err
			}
			stats.Monthly = lo.Ternary(monthly == nil, []MonthlyTotal{}, monthly)
			return nil
		})
		g.Go(func() error {
			clients, err := s.store.TopClients(gctx, year, top)
			if err != nil {
				return err
			}
			stats.TopClients = lo.Ternary(clients == nil, []ClientTotal{}, clients)
			return nil
		})
		if err := g.Wait(); err != nil {
			return Stats{}, err
		}
		stats.YearlyTotal = lo.Reduce(stats.Monthly, func(acc decimal.Decimal, m MonthlyTotal, _ int) decimal.Decimal {
			return acc.Add(m.Total)
		}, decimal.Zero)
		return stats, nil
	}
	var stats Stats
	if err := s.cached(ctx, parts, &stats, loader); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// DueSoon lists active plans due within the next days days, overdue plans included.
func (s *Service) DueSoon(ctx context.Context, days int) ([]DueClient, error) {
	if days < 0 || days > MaxDueWindowDays {
		return nil, fmt.Errorf("%w: days must be between 0 and %d", billing.ErrInvalidInput, MaxDueWindowDays)
	}
	today := s.Today()
	due, err := s.store.DuePlans(ctx, today, today.AddDate(0, 0, days))
	if err != nil {
		return nil, err
	}
	if due == nil {
		due = []DueClient{}
	}
	return due, nil
}

// cached deduplicates concurrent loads of the same key and serves them from Redis when possible.
// A cache outage degrades to direct reads.
func (s *Service) cached(ctx context.Context, parts []string, dest any, loader func(context.Context) (any, error)) error {
	cache := s.cache
	key, err := cache.BuildKey(ctx, parts...)
	if err != nil {
		s.logger.Warn("report cache unavailable", slog.Any("error", err))
		cache = nil
		key = strings.Join(parts, ":")
	}
	// The loader runs detached from the first caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return cache.FetchRaw(flightCtx, key, loader)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.(json.RawMessage), dest)
	}
}
