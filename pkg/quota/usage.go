package quota

import (
	"context"
	"fmt"
	"math"
)

// Usage labels, most severe first.
const (
	UsageCritical = "CRITICAL"
	UsageWarning  = "WARNING"
	UsageCaution  = "CAUTION"
	UsageOK       = "OK"
)

// Counter is one window of usage.
type Counter struct {
	Calls      int     `json:"calls"`
	Limit      int     `json:"limit"`
	Remaining  int     `json:"remaining"`
	Percentage float64 `json:"percentage"`
}

// Usage is a snapshot of api consumption.
type Usage struct {
	Status        string  `json:"status"`
	Detail        string  `json:"detail"`
	Daily         Counter `json:"daily"`
	Monthly       Counter `json:"monthly"`
	CurrentMonth  string  `json:"current_month"`
	QuotaExceeded bool    `json:"quota_exceeded"`
}

// Usage reports current consumption against the configured limits.
// A stale month marker reads as zero monthly calls.
func (g *Governor) Usage(ctx context.Context) (Usage, error) {
	state, err := g.store.Load(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("load engine state: %w", err)
	}
	limits := g.currentLimits(ctx)

	month := monthKey(g.clock())
	monthly := state.MonthlyCalls
	if state.CurrentMonth != month {
		monthly = 0
	}

	u := Usage{
		Daily:         counter(state.DailyCalls, limits.Daily),
		Monthly:       counter(monthly, limits.Monthly),
		CurrentMonth:  month,
		QuotaExceeded: state.QuotaExceeded,
	}

	switch {
	case limits.Monthly > 0 && monthly >= limits.Monthly:
		u.Status, u.Detail = UsageCritical, "monthly limit reached"
	case limits.Daily > 0 && state.DailyCalls >= limits.Daily:
		u.Status, u.Detail = UsageWarning, "daily limit reached"
	case u.Monthly.Percentage >= warnRatio*100:
		u.Status, u.Detail = UsageWarning, "80% of monthly limit used"
	case u.Daily.Percentage >= warnRatio*100:
		u.Status, u.Detail = UsageCaution, "80% of daily limit used"
	default:
		u.Status = UsageOK
	}
	return u, nil
}

func counter(calls, limit int) Counter {
	c := Counter{Calls: calls, Limit: limit, Percentage: percentage(calls, limit)}
	if limit > 0 && calls < limit {
		c.Remaining = limit - calls
	}
	return c
}

func percentage(calls, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Round(float64(calls)/float64(limit)*10000) / 100
}
