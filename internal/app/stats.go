package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"overbought-alerts/internal/numeric"
	"overbought-alerts/internal/storage"
	"overbought-alerts/internal/tracker"
)

// Stats prints outcome statistics and the most recent alerts.
func (a *App) Stats(ctx context.Context, opts StatsOptions) error {
	store, _, closeStore, err := a.openRecordStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	trk := tracker.New(ctx, store, a.trackerOptions(), a.Logger)
	return writeStats(os.Stdout, trk, a.Config.Monitor.Timeframes, opts.Recent)
}

func writeStats(out io.Writer, trk *tracker.Tracker, order []string, recent int) error {
	stats := trk.Statistics()

	fmt.Fprintf(out, "Alerts: %d (success %d, expired %d, failed %d, pending %d)\n",
		stats.Total, stats.Success, stats.Expired, stats.Failed, stats.Pending)
	fmt.Fprintf(out, "Target: %s%%  Success rate: %s%%\n",
		numeric.Fixed(stats.TargetPercent, 2), numeric.Fixed(stats.SuccessRate, 2))
	fmt.Fprintf(out, "Avg time to target: %s min  Avg max drop: %s%%  Avg final drop: %s%%\n",
		numeric.Fixed(stats.AvgTimeToTarget, 2), numeric.Fixed(stats.AvgMaxDrop, 4), numeric.Fixed(stats.AvgFinalDrop, 4))
	fmt.Fprintf(out, "Best drop: %s%%  Worst drop: %s%%\n\n",
		numeric.Fixed(stats.BestDrop, 4), numeric.Fixed(stats.WorstDrop, 4))

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Timeframe\tAlerts\tCompleted\tSuccess\tRate%")
	for _, tf := range trk.StatisticsByTimeframe(order) {
		fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%s\n",
			tf.Timeframe, tf.Total, tf.Completed, tf.Success, numeric.Fixed(tf.SuccessRate, 2))
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	alerts := trk.Recent(recent)
	if len(alerts) == 0 {
		fmt.Fprintln(out, "\nno alerts recorded")
		return nil
	}

	fmt.Fprintln(out)
	writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tTF\tRSI\tEntry\tStatus\tCurrent%\tMaxDrop%\tTimeToMax")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt().UTC().Format(time.RFC3339),
			alert.Symbol,
			alert.Timeframe,
			numeric.Fixed(alert.RSI, 2),
			numeric.Fixed(alert.Price, 8),
			alert.Status,
			numeric.Fixed(currentExcursion(alert), 4),
			numeric.Fixed(alert.MaxDropPercent, 4),
			timeToMax(alert),
		)
	}
	return writer.Flush()
}

// currentExcursion is the favourable move from entry to the last observed
// price.
func currentExcursion(a storage.AlertRecord) float64 {
	if a.Price <= 0 {
		return 0
	}
	return (a.Price - a.CurrentPrice) / a.Price * 100
}

func timeToMax(a storage.AlertRecord) string {
	if a.MaxDropAt == nil {
		return "-"
	}
	d := time.Duration(*a.MaxDropAt-a.Timestamp) * time.Millisecond
	return d.Round(time.Second).String()
}
