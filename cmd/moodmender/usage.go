package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/nugget/moodmender/internal/usage"
)

// usageReport is the JSON shape of the usage subcommand.
type usageReport struct {
	Since   time.Time                 `json:"since"`
	Days    int                       `json:"days"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
}

// runUsage prints the ledger totals for the last days days.
func runUsage(ctx context.Context, stdout io.Writer, configPath, outputFmt string, days int) error {
	// Store logs would interleave with the report.
	logger := newLogger(io.Discard, slog.LevelInfo, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close(logger)

	end := time.Now()
	start := end.AddDate(0, 0, -days)

	total, err := st.usage.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byModel, err := st.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		report := usageReport{Since: start.UTC(), Days: days, Total: total, ByModel: byModel}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(stdout, "Usage since %s (%d day(s))\n\n", start.Format("2006-01-02 15:04"), days)
	fmt.Fprintf(stdout, "  %-32s %8s %12s %12s %10s\n", "model", "requests", "input", "output", "cost_usd")
	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		s := byModel[m]
		fmt.Fprintf(stdout, "  %-32s %8d %12d %12d %10.4f\n", m, s.Requests, s.InputTokens, s.OutputTokens, s.CostUSD)
	}
	fmt.Fprintf(stdout, "  %-32s %8d %12d %12d %10.4f\n", "total", total.Requests, total.InputTokens, total.OutputTokens, total.CostUSD)
	return nil
}
