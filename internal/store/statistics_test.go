package store

import (
	"context"
	"testing"
)

func ptr(f float64) *float64 { return &f }

func TestStatisticsUpsert_FirstEventCreatesRow(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	u := seedUser(t, NewUserRepo(db), "frank")
	stats := NewStatisticsRepo(db)

	row, err := stats.Upsert(ctx, u.ID, "2026-04-02", StatsDelta{
		ChatCount: 1, MessageCount: 2, ResponseTime: ptr(300), TokenUsage: 42,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if row.ChatCount != 1 || row.MessageCount != 2 || row.TokenUsage != 42 || row.ErrorCount != 0 {
		t.Fatalf("unexpected counters: %+v", row)
	}
	if row.AvgResponseTime == nil || *row.AvgResponseTime != 300 {
		t.Fatalf("expected avg 300, got %v", row.AvgResponseTime)
	}
}

func TestStatisticsUpsert_TwoTermAverage(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	u := seedUser(t, NewUserRepo(db), "gina")
	stats := NewStatisticsRepo(db)

	day := "2026-04-02"
	for _, rt := range []float64{100, 300} {
		if _, err := stats.Upsert(ctx, u.ID, day, StatsDelta{
			ChatCount: 1, MessageCount: 2, ResponseTime: ptr(rt), TokenUsage: 10,
		}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	row, err := stats.GetDay(ctx, u.ID, day)
	if err != nil {
		t.Fatalf("get day: %v", err)
	}
	if row.ChatCount != 2 || row.MessageCount != 4 || row.TokenUsage != 20 {
		t.Fatalf("expected summed counters, got %+v", row)
	}
	if *row.AvgResponseTime != 200 {
		t.Fatalf("expected mean of the two samples (200), got %v", *row.AvgResponseTime)
	}

	// a third sample halves towards the newest value, it is not a running mean
	if _, err := stats.Upsert(ctx, u.ID, day, StatsDelta{ResponseTime: ptr(400)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	row, _ = stats.GetDay(ctx, u.ID, day)
	if *row.AvgResponseTime != 300 {
		t.Fatalf("expected (200+400)/2 = 300, got %v", *row.AvgResponseTime)
	}

	n, err := stats.Count(ctx, map[string]any{"user_id": u.ID})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected a single row per (user, date), got %d", n)
	}
}

func TestStatisticsUpsert_ErrorOnlyKeepsAverage(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	u := seedUser(t, NewUserRepo(db), "hank")
	stats := NewStatisticsRepo(db)

	day := "2026-04-03"
	if _, err := stats.Upsert(ctx, u.ID, day, StatsDelta{ChatCount: 1, MessageCount: 2, ResponseTime: ptr(120)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	row, err := stats.Upsert(ctx, u.ID, day, StatsDelta{ErrorCount: 1})
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if row.ErrorCount != 1 || row.ChatCount != 1 {
		t.Fatalf("unexpected counters: %+v", row)
	}
	if *row.AvgResponseTime != 120 {
		t.Fatalf("error event must not move the average, got %v", *row.AvgResponseTime)
	}
}

func TestStatisticsUpsert_ZeroSampleCounts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	u := seedUser(t, NewUserRepo(db), "iris")
	stats := NewStatisticsRepo(db)

	day := "2026-04-04"
	// an error first: the row exists but has no latency sample yet
	row, err := stats.Upsert(ctx, u.ID, day, StatsDelta{ErrorCount: 1})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if row.AvgResponseTime != nil {
		t.Fatalf("expected no average before the first sample, got %v", *row.AvgResponseTime)
	}

	if _, err := stats.Upsert(ctx, u.ID, day, StatsDelta{ChatCount: 1, ResponseTime: ptr(0)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	row, err = stats.Upsert(ctx, u.ID, day, StatsDelta{ChatCount: 1, ResponseTime: ptr(100)})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if row.AvgResponseTime == nil || *row.AvgResponseTime != 50 {
		t.Fatalf("a stored 0 ms sample is a value: expected (0+100)/2 = 50, got %v", row.AvgResponseTime)
	}
}

func TestStatistics_RangeAndTotals(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	u := seedUser(t, NewUserRepo(db), "iris")
	stats := NewStatisticsRepo(db)

	for _, day := range []string{"2026-04-01", "2026-04-02", "2026-04-05"} {
		if _, err := stats.Upsert(ctx, u.ID, day, StatsDelta{ChatCount: 1, MessageCount: 2, ResponseTime: ptr(100), TokenUsage: 5}); err != nil {
			t.Fatalf("upsert %s: %v", day, err)
		}
	}

	rows, err := stats.ListRange(ctx, u.ID, "2026-04-01", "2026-04-02")
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if len(rows) != 2 || rows[0].Date != "2026-04-01" {
		t.Fatalf("unexpected range: %+v", rows)
	}

	totals, err := stats.Totals(ctx, u.ID)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.TotalChats != 3 || totals.TotalMessages != 6 || totals.TotalTokens != 15 || totals.AvgResponseTime != 100 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}
