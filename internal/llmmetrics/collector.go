package llmmetrics

import (
	"context"
	"math"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/psschwei/mellea-playground-core/internal/models"
)

// metricStore is the narrow persistence surface Collector needs.
type metricStore interface {
	Create(id string, item models.LLMUsageMetric) (models.LLMUsageMetric, error)
	Find(predicate func(models.LLMUsageMetric) bool) []models.LLMUsageMetric
}

// RecordUsageParams is the input to RecordUsage.
type RecordUsageParams struct {
	RunID        string
	ProgramID    string
	UserID       string
	Provider     string
	ModelName    string
	InputTokens  int64
	OutputTokens int64
	LatencyMs    int64
	Success      bool
	ErrorMessage string
	Metadata     map[string]string
}

// Collector records per-call LLM usage samples and aggregates them over a
// retention window.
type Collector struct {
	Metrics metricStore
	Log     logr.Logger
}

func New(metrics metricStore, log logr.Logger) *Collector {
	return &Collector{Metrics: metrics, Log: log}
}

// Cost estimates the USD cost of one call, rounded to 6 decimal places
// exactly as the original ModelPricing.calculate does. Unknown
// provider/model pairs price at $0 and log a warning.
func (c *Collector) Cost(provider, model string, inputTokens, outputTokens int64) float64 {
	price, ok := getPrice(provider, model)
	if !ok {
		c.Log.Info("no pricing found, using zero cost", "provider", provider, "model", model)
	}
	cost := (float64(inputTokens)/1000)*price.InputPer1k + (float64(outputTokens)/1000)*price.OutputPer1k
	return math.Round(cost*1e6) / 1e6
}

// RecordUsage inserts one usage row, computing TotalTokens and CostUSD.
func (c *Collector) RecordUsage(ctx context.Context, params RecordUsageParams) (*models.LLMUsageMetric, error) {
	metric := models.LLMUsageMetric{
		RunID:        params.RunID,
		ProgramID:    params.ProgramID,
		UserID:       params.UserID,
		Provider:     params.Provider,
		ModelName:    params.ModelName,
		InputTokens:  params.InputTokens,
		OutputTokens: params.OutputTokens,
		TotalTokens:  params.InputTokens + params.OutputTokens,
		CostUSD:      c.Cost(params.Provider, params.ModelName, params.InputTokens, params.OutputTokens),
		LatencyMs:    params.LatencyMs,
		Success:      params.Success,
		ErrorMessage: params.ErrorMessage,
		Metadata:     params.Metadata,
		CreatedAt:    time.Now(),
	}

	created, err := c.Metrics.Create(uuid.New().String(), metric)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// Aggregate is the windowed usage summary spec.md §4.10 requires.
type Aggregate struct {
	PeriodStart      time.Time
	PeriodEnd        time.Time
	TotalCalls       int
	SuccessfulCalls  int
	FailedCalls      int
	TotalTokens      int64
	TotalInputTokens int64
	TotalOutputTokens int64
	TotalCostUSD     float64
	AvgLatencyMs     float64
	ByProvider       map[string]int64
	ByModel          map[string]int64
}

// GetAggregate summarises usage over the last `days` days, optionally
// filtered by user and/or program.
func (c *Collector) GetAggregate(ctx context.Context, days int, userID, programID *string) Aggregate {
	periodEnd := time.Now()
	cutoff := periodEnd.AddDate(0, 0, -days)
	matches := c.Metrics.Find(func(m models.LLMUsageMetric) bool {
		if m.CreatedAt.Before(cutoff) {
			return false
		}
		if userID != nil && m.UserID != *userID {
			return false
		}
		if programID != nil && m.ProgramID != *programID {
			return false
		}
		return true
	})

	agg := Aggregate{
		PeriodStart: cutoff,
		PeriodEnd:   periodEnd,
		ByProvider:  make(map[string]int64),
		ByModel:     make(map[string]int64),
	}
	var totalLatencyMs int64
	for _, m := range matches {
		agg.TotalCalls++
		if m.Success {
			agg.SuccessfulCalls++
		} else {
			agg.FailedCalls++
		}
		agg.TotalTokens += m.TotalTokens
		agg.TotalInputTokens += m.InputTokens
		agg.TotalOutputTokens += m.OutputTokens
		agg.TotalCostUSD += m.CostUSD
		totalLatencyMs += m.LatencyMs
		agg.ByProvider[m.Provider] += m.TotalTokens
		agg.ByModel[m.ModelName] += m.TotalTokens
	}
	agg.TotalCostUSD = math.Round(agg.TotalCostUSD*1e6) / 1e6
	if agg.TotalCalls > 0 {
		agg.AvgLatencyMs = float64(totalLatencyMs) / float64(agg.TotalCalls)
	}
	return agg
}
