package syncer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/devpulse/devpulse/internal/store"
)

// CoverageSummary describes the observed historical coverage of one
// connector: distinct calendar days with at least one ingested entity.
type CoverageSummary struct {
	ConnectorID string `json:"connector_id"`
	Days        int    `json:"days"`
	FirstDay    string `json:"first_day,omitempty"`
	LastDay     string `json:"last_day,omitempty"`
	GapDays     int    `json:"gap_days"`
}

// DailyCoverage is one calendar day in the daily coverage report. A gap is
// a day inside the inspected range with zero ingested entities of any type.
type DailyCoverage struct {
	Day      string `json:"day"`
	Entities int    `json:"entities"`
	Gap      bool   `json:"gap"`
}

// Coverage summarizes per-connector coverage, used to spot silent gaps in
// ingestion history.
func (o *Orchestrator) Coverage(ctx context.Context) ([]CoverageSummary, error) {
	summaries := make([]CoverageSummary, 0, len(o.connectors))
	for _, conn := range o.connectors {
		activity, err := o.store.ActivityByDay(ctx, conn.ID())
		if err != nil {
			return nil, fmt.Errorf("coverage for %s: %w", conn.ID(), err)
		}

		summary := CoverageSummary{ConnectorID: conn.ID(), Days: len(activity)}
		if len(activity) > 0 {
			days := make([]string, 0, len(activity))
			for day := range activity {
				days = append(days, day)
			}
			sort.Strings(days)
			summary.FirstDay = days[0]
			summary.LastDay = days[len(days)-1]
			summary.GapDays = spanDays(days[0], days[len(days)-1]) - len(activity)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// CoverageDaily reports entity counts for the last N UTC days across all
// sources. Days with zero entities are present and flagged as gaps, never
// omitted.
func (o *Orchestrator) CoverageDaily(ctx context.Context, days int) ([]DailyCoverage, error) {
	if days <= 0 {
		days = 30
	}
	activity, err := o.store.ActivityByDay(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("daily coverage: %w", err)
	}

	today := o.Now().UTC().Truncate(24 * time.Hour)
	report := make([]DailyCoverage, 0, days)
	for i := days - 1; i >= 0; i-- {
		day := store.DayKey(today.AddDate(0, 0, -i))
		count := activity[day]
		report = append(report, DailyCoverage{
			Day:      day,
			Entities: count,
			Gap:      count == 0,
		})
	}
	return report, nil
}

// spanDays counts the inclusive calendar days between two YYYY-MM-DD keys.
func spanDays(first, last string) int {
	start, err := time.Parse("2006-01-02", first)
	if err != nil {
		return 0
	}
	end, err := time.Parse("2006-01-02", last)
	if err != nil {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}
