package store

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DailyRollup summarizes one day of transactions.
type DailyRollup struct {
	Day          string  `json:"day"` // YYYY-MM-DD
	Transactions int     `json:"transactions"`
	TotalCent    int64   `json:"total_cent"`
	MeanCent     float64 `json:"mean_cent"`
	P50Cent      float64 `json:"p50_cent"`
	P95Cent      float64 `json:"p95_cent"`
}

// TransactionRollup aggregates transaction totals per day over the last
// `days` days, oldest day first.
func (db *DB) TransactionRollup(ctx context.Context, days int) ([]DailyRollup, error) {
	if days <= 0 {
		days = 7
	}

	rows, err := db.QueryContext(ctx,
		`SELECT date(created_at), total_cent FROM transactions
		 WHERE julianday(created_at) >= julianday('now', ?)
		 ORDER BY created_at ASC`,
		fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totalsByDay := make(map[string][]float64)
	for rows.Next() {
		var day string
		var totalCent int64
		if err := rows.Scan(&day, &totalCent); err != nil {
			return nil, err
		}
		totalsByDay[day] = append(totalsByDay[day], float64(totalCent))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	dayKeys := make([]string, 0, len(totalsByDay))
	for day := range totalsByDay {
		dayKeys = append(dayKeys, day)
	}
	sort.Strings(dayKeys)

	rollups := make([]DailyRollup, 0, len(dayKeys))
	for _, day := range dayKeys {
		totals := totalsByDay[day]
		sort.Float64s(totals)

		var sum int64
		for _, t := range totals {
			sum += int64(t)
		}

		rollups = append(rollups, DailyRollup{
			Day:          day,
			Transactions: len(totals),
			TotalCent:    sum,
			MeanCent:     stat.Mean(totals, nil),
			P50Cent:      stat.Quantile(0.50, stat.Empirical, totals, nil),
			P95Cent:      stat.Quantile(0.95, stat.Empirical, totals, nil),
		})
	}
	return rollups, nil
}
