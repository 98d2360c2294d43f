// Package data provides historical tick storage and loading.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// ErrNoData is returned when a symbol has no stored ticks.
var ErrNoData = errors.New("no data available for symbol")

// Store provides access to historical ticks kept as one JSON file per symbol
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.Tick
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	TickCount int       `json:"tickCount"`
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]types.Tick),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// LoadSymbol returns every stored tick for symbol in timestamp order
func (s *Store) LoadSymbol(symbol string) ([]types.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticks, err := s.loadLocked(symbol)
	if err != nil {
		return nil, err
	}
	out := make([]types.Tick, len(ticks))
	copy(out, ticks)
	return out, nil
}

// LoadTicks loads ticks for symbols within [start, end] and merges them into one
// stream ordered by timestamp. Ticks sharing a timestamp keep the order of symbols.
// A zero start or end leaves that side of the range open.
func (s *Store) LoadTicks(ctx context.Context, symbols []string, start, end time.Time) ([]types.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var merged []types.Tick
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ticks, err := s.loadLocked(symbol)
		if err != nil {
			return nil, err
		}
		merged = append(merged, filterByTimeRange(ticks, start, end)...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	s.logger.Debug("Loaded ticks",
		zap.Strings("symbols", symbols),
		zap.Int("ticks", len(merged)),
	)
	return merged, nil
}

// SaveTicks writes ticks for symbol to disk, sorted by timestamp. Every tick must
// carry the same symbol.
func (s *Store) SaveTicks(symbol string, ticks []types.Tick) error {
	for i, t := range ticks {
		if t.Symbol != symbol {
			return fmt.Errorf("tick %d has symbol %q, expected %q", i, t.Symbol, symbol)
		}
	}

	sorted := make([]types.Tick, len(ticks))
	copy(sorted, ticks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ticks: %w", err)
	}

	if err := os.WriteFile(s.filename(symbol), data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[symbol] = sorted

	if len(sorted) > 0 {
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: sorted[0].Timestamp,
			EndDate:   sorted[len(sorted)-1].Timestamp,
			TickCount: len(sorted),
		}
	}

	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("Failed to save metadata", zap.Error(err))
	}

	s.logger.Info("Saved ticks", zap.String("symbol", symbol), zap.Int("ticks", len(sorted)))
	return nil
}

// GetAvailableSymbols returns all symbols with stored data, sorted
func (s *Store) GetAvailableSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.metadata))
	for symbol := range s.metadata {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// GetDataRange returns the available data range for a symbol
func (s *Store) GetDataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}

	return time.Time{}, time.Time{}, fmt.Errorf("%w: %s", ErrNoData, symbol)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string][]types.Tick)
}

// GetCacheSize returns the number of cached symbols
func (s *Store) GetCacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.cache)
}

// loadLocked reads a symbol through the cache (must hold lock)
func (s *Store) loadLocked(symbol string) ([]types.Tick, error) {
	if cached, ok := s.cache[symbol]; ok {
		return cached, nil
	}

	data, err := os.ReadFile(s.filename(symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var ticks []types.Tick
	if err := json.Unmarshal(data, &ticks); err != nil {
		return nil, fmt.Errorf("failed to parse %s data: %w", symbol, err)
	}

	sort.SliceStable(ticks, func(i, j int) bool {
		return ticks[i].Timestamp.Before(ticks[j].Timestamp)
	})

	s.cache[symbol] = ticks
	return ticks, nil
}

// filename maps a symbol to its data file. Pair separators are flattened.
func (s *Store) filename(symbol string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(symbol)
	return filepath.Join(s.dataDir, safe+".json")
}

// filterByTimeRange keeps ticks within [start, end]
func filterByTimeRange(ticks []types.Tick, start, end time.Time) []types.Tick {
	var filtered []types.Tick

	for _, t := range ticks {
		if !start.IsZero() && t.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && t.Timestamp.After(end) {
			continue
		}
		filtered = append(filtered, t)
	}

	return filtered
}

// loadMetadata loads symbol metadata from disk
func (s *Store) loadMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}
	if metadata != nil {
		s.metadata = metadata
	}
	return nil
}

// saveMetadata saves symbol metadata to disk (must hold lock)
func (s *Store) saveMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
