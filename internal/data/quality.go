// Data quality validation for historical ticks. A backtest trusts its input
// completely, so bad ticks are reported before they reach an engine.
package data

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DataQualityValidator checks historical tick integrity
type DataQualityValidator struct {
	logger *zap.Logger

	MaxGapMove        float64 // Max move between consecutive ticks (e.g., 0.20 for 20%)
	MaxVolumeMultiple float64 // Max multiple of average volume for spike detection
}

// DataIssue represents a data quality problem
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // "critical", "high", "medium", "low"
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Message   string    `json:"message"`
	Value     string    `json:"value,omitempty"`
	TickIndex int       `json:"tick_index"`
}

// QualityReport summarizes data quality for one symbol
type QualityReport struct {
	Symbol       string      `json:"symbol"`
	TotalTicks   int         `json:"total_ticks"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"quality_score"` // 0-100
	IsUsable     bool        `json:"is_usable"`

	PriceAnomalyCount  int `json:"price_anomaly_count"`
	VolumeAnomalyCount int `json:"volume_anomaly_count"`
	OrderingErrorCount int `json:"ordering_error_count"`

	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`

	Recommendations []string `json:"recommendations"`
}

// NewDataQualityValidator creates a validator with default thresholds
func NewDataQualityValidator(logger *zap.Logger) *DataQualityValidator {
	return &DataQualityValidator{
		logger:            logger,
		MaxGapMove:        0.20,
		MaxVolumeMultiple: 20.0,
	}
}

// ValidateTicks splits a mixed stream by symbol and validates each, in symbol order.
// Tick indexes in the reports refer to positions within each symbol's own sequence.
func (dqv *DataQualityValidator) ValidateTicks(ticks []types.Tick) []*QualityReport {
	bySymbol := make(map[string][]types.Tick)
	for _, t := range ticks {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	reports := make([]*QualityReport, 0, len(symbols))
	for _, s := range symbols {
		reports = append(reports, dqv.Validate(bySymbol[s], s))
	}
	return reports
}

// Validate runs all quality checks on one symbol's ticks
func (dqv *DataQualityValidator) Validate(ticks []types.Tick, symbol string) *QualityReport {
	if len(ticks) == 0 {
		return &QualityReport{
			Symbol:          symbol,
			Issues:          []DataIssue{{Type: "NO_DATA", Severity: "critical", Symbol: symbol, Message: "No data provided"}},
			Recommendations: []string{"Load data for " + symbol + " before backtesting"},
		}
	}

	issues := make([]DataIssue, 0)
	issues = append(issues, dqv.checkPriceAnomalies(ticks, symbol)...)
	issues = append(issues, dqv.checkVolumeAnomalies(ticks, symbol)...)
	issues = append(issues, dqv.checkDuplicates(ticks, symbol)...)
	issues = append(issues, dqv.checkChronologicalOrder(ticks, symbol)...)

	report := &QualityReport{
		Symbol:             symbol,
		TotalTicks:         len(ticks),
		Issues:             issues,
		QualityScore:       dqv.calculateQualityScore(len(ticks), issues),
		IsUsable:           !hasCriticalIssues(issues),
		PriceAnomalyCount:  countIssuesByType(issues, "NON_POSITIVE_PRICE", "GAP_MOVE"),
		VolumeAnomalyCount: countIssuesByType(issues, "NEGATIVE_VOLUME", "VOLUME_SPIKE"),
		OrderingErrorCount: countIssuesByType(issues, "DUPLICATE_TIMESTAMP", "OUT_OF_ORDER"),
		StartDate:          ticks[0].Timestamp,
		EndDate:            ticks[len(ticks)-1].Timestamp,
		Recommendations:    dqv.generateRecommendations(issues),
	}

	if !report.IsUsable {
		dqv.logger.Warn("Data quality check failed",
			zap.String("symbol", symbol),
			zap.Int("issues", len(issues)),
			zap.Int("score", report.QualityScore),
		)
	}
	return report
}

// checkPriceAnomalies finds invalid prices and extreme moves
func (dqv *DataQualityValidator) checkPriceAnomalies(ticks []types.Tick, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)

	for i, tick := range ticks {
		if !tick.Price.IsPositive() {
			issues = append(issues, DataIssue{
				Type:      "NON_POSITIVE_PRICE",
				Severity:  "critical",
				Timestamp: tick.Timestamp,
				Symbol:    symbol,
				Message:   "Price must be positive",
				Value:     tick.Price.String(),
				TickIndex: i,
			})
			continue
		}

		if i == 0 || !ticks[i-1].Price.IsPositive() {
			continue
		}
		prev := ticks[i-1].Price
		move := tick.Price.Sub(prev).Div(prev).Abs()
		if move.InexactFloat64() > dqv.MaxGapMove {
			issues = append(issues, DataIssue{
				Type:      "GAP_MOVE",
				Severity:  "medium",
				Timestamp: tick.Timestamp,
				Symbol:    symbol,
				Message:   "Large price gap: " + move.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%",
				Value:     move.StringFixed(4),
				TickIndex: i,
			})
		}
	}

	return issues
}

// checkVolumeAnomalies finds negative volume and spikes
func (dqv *DataQualityValidator) checkVolumeAnomalies(ticks []types.Tick, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)

	var total, positive int64
	for _, tick := range ticks {
		if tick.Volume > 0 {
			total += tick.Volume
			positive++
		}
	}
	var avg float64
	if positive > 0 {
		avg = float64(total) / float64(positive)
	}

	for i, tick := range ticks {
		if tick.Volume < 0 {
			issues = append(issues, DataIssue{
				Type:      "NEGATIVE_VOLUME",
				Severity:  "critical",
				Timestamp: tick.Timestamp,
				Symbol:    symbol,
				Message:   "Volume must be non-negative",
				Value:     strconv.FormatInt(tick.Volume, 10),
				TickIndex: i,
			})
			continue
		}

		if avg > 0 && float64(tick.Volume) > avg*dqv.MaxVolumeMultiple {
			issues = append(issues, DataIssue{
				Type:      "VOLUME_SPIKE",
				Severity:  "low",
				Timestamp: tick.Timestamp,
				Symbol:    symbol,
				Message:   "Volume spike: " + strconv.FormatFloat(float64(tick.Volume)/avg, 'f', 1, 64) + "x average",
				Value:     strconv.FormatInt(tick.Volume, 10),
				TickIndex: i,
			})
		}
	}

	return issues
}

// checkDuplicates finds duplicate timestamps
func (dqv *DataQualityValidator) checkDuplicates(ticks []types.Tick, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)
	seen := make(map[int64]int) // timestamp -> first index

	for i, tick := range ticks {
		ts := tick.Timestamp.UnixNano()
		if firstIdx, exists := seen[ts]; exists {
			issues = append(issues, DataIssue{
				Type:      "DUPLICATE_TIMESTAMP",
				Severity:  "high",
				Timestamp: tick.Timestamp,
				Symbol:    symbol,
				Message:   "Duplicate timestamp (also at index " + strconv.Itoa(firstIdx) + ")",
				TickIndex: i,
			})
		} else {
			seen[ts] = i
		}
	}

	return issues
}

// checkChronologicalOrder ensures ticks are in ascending time order
func (dqv *DataQualityValidator) checkChronologicalOrder(ticks []types.Tick, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)

	for i := 1; i < len(ticks); i++ {
		if ticks[i].Timestamp.Before(ticks[i-1].Timestamp) {
			issues = append(issues, DataIssue{
				Type:      "OUT_OF_ORDER",
				Severity:  "critical",
				Timestamp: ticks[i].Timestamp,
				Symbol:    symbol,
				Message:   "Tick is out of chronological order",
				TickIndex: i,
			})
		}
	}

	return issues
}

// calculateQualityScore returns a 0-100 score
func (dqv *DataQualityValidator) calculateQualityScore(totalTicks int, issues []DataIssue) int {
	if totalTicks == 0 {
		return 0
	}

	penaltyPoints := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case "critical":
			penaltyPoints += 10.0
		case "high":
			penaltyPoints += 5.0
		case "medium":
			penaltyPoints += 2.0
		case "low":
			penaltyPoints += 0.5
		}
	}

	// Larger samples tolerate more isolated issues.
	normalizedPenalty := penaltyPoints / math.Max(1, float64(totalTicks)/100) * 10
	score := 100.0 - math.Min(normalizedPenalty, 100)

	return int(math.Max(0, math.Min(100, score)))
}

// generateRecommendations creates actionable recommendations
func (dqv *DataQualityValidator) generateRecommendations(issues []DataIssue) []string {
	recs := make([]string, 0)
	issueTypes := make(map[string]int)

	for _, issue := range issues {
		issueTypes[issue.Type]++
	}

	if issueTypes["NON_POSITIVE_PRICE"] > 0 || issueTypes["NEGATIVE_VOLUME"] > 0 {
		recs = append(recs, "Invalid ticks will be rejected by the engine - drop them with CleanTicks")
	}
	if issueTypes["DUPLICATE_TIMESTAMP"] > 0 {
		recs = append(recs, "Remove duplicate timestamps before backtesting")
	}
	if issueTypes["OUT_OF_ORDER"] > 0 {
		recs = append(recs, "Sort data by timestamp before use - the engine replays ticks in the order given")
	}
	if issueTypes["GAP_MOVE"] > 0 {
		recs = append(recs, "Large price gaps detected - check for splits or missing sessions")
	}

	if len(recs) == 0 {
		recs = append(recs, "Data quality is acceptable for backtesting")
	}

	return recs
}

// CleanTicks sorts ticks by timestamp and drops invalid ticks and repeated
// (symbol, timestamp) pairs, keeping the first occurrence.
func (dqv *DataQualityValidator) CleanTicks(ticks []types.Tick) []types.Tick {
	sorted := make([]types.Tick, len(ticks))
	copy(sorted, ticks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]bool)
	cleaned := make([]types.Tick, 0, len(sorted))

	for _, tick := range sorted {
		k := key{tick.Symbol, tick.Timestamp.UnixNano()}
		if seen[k] {
			continue
		}
		if tick.Symbol == "" || !tick.Price.IsPositive() || tick.Volume < 0 {
			continue
		}
		seen[k] = true
		cleaned = append(cleaned, tick)
	}

	dqv.logger.Info("Data cleaning complete",
		zap.Int("original_ticks", len(ticks)),
		zap.Int("cleaned_ticks", len(cleaned)),
		zap.Int("removed", len(ticks)-len(cleaned)),
	)

	return cleaned
}

func hasCriticalIssues(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}

func countIssuesByType(issues []DataIssue, types ...string) int {
	count := 0
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	for _, issue := range issues {
		if typeSet[issue.Type] {
			count++
		}
	}
	return count
}
