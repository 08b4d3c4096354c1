// Package data provides file-backed storage of per-strategy daily bars.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/meridian-quant/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// Store loads strategy bar series from JSON files in a data directory and
// serves them as a marketdata.Provider. Series are cached in memory after the
// first load; SaveSeries writes through the cache.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[types.StrategyID]map[int64]types.StrategyBar
	metadata map[types.StrategyID]*SeriesMetadata
}

// SeriesMetadata describes the stored date range for one strategy.
type SeriesMetadata struct {
	Strategy  types.StrategyID `json:"strategy"`
	StartDate time.Time        `json:"startDate"`
	EndDate   time.Time        `json:"endDate"`
	BarCount  int              `json:"barCount"`
}

// NewStore opens the data directory, creating it if needed.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[types.StrategyID]map[int64]types.StrategyBar),
		metadata: make(map[types.StrategyID]*SeriesMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("failed to load series metadata", zap.Error(err))
	}

	return store, nil
}

// Bar returns the stored bar for a strategy and date. A strategy with no data
// file, or a date with no row, reports found=false; the caller picks the
// fallback. Errors are reserved for unreadable or corrupt files.
func (s *Store) Bar(ctx context.Context, strategy types.StrategyID, date time.Time) (types.StrategyBar, bool, error) {
	s.mu.RLock()
	series, ok := s.cache[strategy]
	s.mu.RUnlock()

	if !ok {
		var err error
		series, err = s.loadSeries(strategy)
		if err != nil {
			return types.StrategyBar{}, false, err
		}
	}

	bar, found := series[dayKey(date)]
	return bar, found, nil
}

// SaveSeries writes a strategy's bars to disk and refreshes the cache and
// metadata. Bars are stored sorted by date.
func (s *Store) SaveSeries(strategy types.StrategyID, bars []types.StrategyBar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]types.StrategyBar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	payload, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal series: %w", err)
	}
	if err := os.WriteFile(s.seriesPath(strategy), payload, 0644); err != nil {
		return fmt.Errorf("write series file: %w", err)
	}

	s.cache[strategy] = indexByDay(sorted)
	if len(sorted) > 0 {
		s.metadata[strategy] = &SeriesMetadata{
			Strategy:  strategy,
			StartDate: sorted[0].Date,
			EndDate:   sorted[len(sorted)-1].Date,
			BarCount:  len(sorted),
		}
	}

	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("failed to save series metadata", zap.Error(err))
	}
	return nil
}

// SeriesRange returns the stored date range for a strategy.
func (s *Store) SeriesRange(strategy types.StrategyID) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[strategy]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("no data for strategy %s", strategy)
}

// Strategies returns the strategies with stored metadata.
func (s *Store) Strategies() []types.StrategyID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]types.StrategyID, 0, len(s.metadata))
	for id := range s.metadata {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ClearCache drops all cached series.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[types.StrategyID]map[int64]types.StrategyBar)
}

// CacheSize returns the number of cached series.
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// loadSeries reads and indexes a strategy's file. A missing file caches an
// empty series so repeated lookups don't hit the filesystem.
func (s *Store) loadSeries(strategy types.StrategyID) (map[int64]types.StrategyBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if series, ok := s.cache[strategy]; ok {
		return series, nil
	}

	payload, err := os.ReadFile(s.seriesPath(strategy))
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("no data file for strategy", zap.String("strategy", string(strategy)))
			empty := map[int64]types.StrategyBar{}
			s.cache[strategy] = empty
			return empty, nil
		}
		return nil, fmt.Errorf("read series file: %w", err)
	}

	var bars []types.StrategyBar
	if err := json.Unmarshal(payload, &bars); err != nil {
		return nil, fmt.Errorf("parse series file for %s: %w", strategy, err)
	}

	series := indexByDay(bars)
	s.cache[strategy] = series
	return series, nil
}

func (s *Store) seriesPath(strategy types.StrategyID) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s_daily.json", strategy))
}

func (s *Store) loadMetadata() error {
	payload, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[types.StrategyID]*SeriesMetadata
	if err := json.Unmarshal(payload, &metadata); err != nil {
		return err
	}
	s.metadata = metadata
	return nil
}

func (s *Store) saveMetadata() error {
	payload, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), payload, 0644)
}

func indexByDay(bars []types.StrategyBar) map[int64]types.StrategyBar {
	series := make(map[int64]types.StrategyBar, len(bars))
	for _, bar := range bars {
		series[dayKey(bar.Date)] = bar
	}
	return series
}

func dayKey(t time.Time) int64 {
	y, mo, d := t.Date()
	return int64(y)*10000 + int64(mo)*100 + int64(d)
}
