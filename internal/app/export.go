package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"overbought-alerts/internal/numeric"
	"overbought-alerts/internal/storage"
)

// Export renders the alert log as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, _, closeStore, err := a.openRecordStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	alerts, err := store.Load(ctx)
	if err != nil {
		return err
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	var from time.Time
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	alerts = filterAlerts(alertsBetween(alerts, from, to), opts.Symbol, opts.Timeframe)
	if len(alerts) == 0 {
		a.Logger.Info().Msg("no alerts found for export window")
		return nil
	}

	downsampled := downsampleAlerts(alerts, opts.MaxPoints)
	a.Logger.Info().Int("total", len(alerts)).Int("exported", len(downsampled)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if len(downsampled) < 2 {
			a.Logger.Warn().Msg("need at least two alerts to draw a chart")
			return nil
		}
		if err := writeAlertsPNG(opts.PNGPath, downsampled, a.Config.Tracker.TargetPercent); err != nil {
			return err
		}
	}

	return nil
}

// alertsBetween keeps alerts created in [from, to), oldest first.
func alertsBetween(alerts []storage.AlertRecord, from, to time.Time) []storage.AlertRecord {
	out := make([]storage.AlertRecord, 0, len(alerts))
	for _, alert := range alerts {
		at := alert.CreatedAt()
		if at.Before(from) || !at.Before(to) {
			continue
		}
		out = append(out, alert)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func filterAlerts(alerts []storage.AlertRecord, symbol, timeframe string) []storage.AlertRecord {
	if symbol == "" && timeframe == "" {
		return alerts
	}
	out := alerts[:0:0]
	for _, alert := range alerts {
		if symbol != "" && alert.Symbol != symbol {
			continue
		}
		if timeframe != "" && alert.Timeframe != timeframe {
			continue
		}
		out = append(out, alert)
	}
	return out
}

func downsampleAlerts(alerts []storage.AlertRecord, max int) []storage.AlertRecord {
	if max <= 0 || len(alerts) <= max {
		return alerts
	}
	if max == 1 {
		return alerts[len(alerts)-1:]
	}

	result := make([]storage.AlertRecord, 0, max)
	step := float64(len(alerts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(alerts) {
			idx = len(alerts) - 1
		}
		result = append(result, alerts[idx])
	}
	return result
}

func writeAlertsCSV(path string, alerts []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "id", "symbol", "timeframe", "rsi", "entry_price", "target_price", "funding_rate", "status", "max_drop_pct", "final_drop_pct", "time_to_target_min"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, alert := range alerts {
		record := []string{
			alert.CreatedAt().Format(time.RFC3339),
			alert.ID,
			alert.Symbol,
			alert.Timeframe,
			numeric.Fixed(alert.RSI, 2),
			strconv.FormatFloat(alert.Price, 'f', -1, 64),
			strconv.FormatFloat(alert.TargetPrice, 'f', -1, 64),
			optionalFloat(alert.FundingRate, 6),
			alert.Status,
			numeric.Fixed(alert.MaxDropPercent, 4),
			optionalFloat(alert.FinalDropPercent, 4),
			optionalFloat(alert.TimeToTargetMinutes, 2),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func optionalFloat(v *float64, places int32) string {
	if v == nil {
		return ""
	}
	return numeric.Fixed(*v, places)
}

func writeAlertsPNG(path string, alerts []storage.AlertRecord, targetPercent float64) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(alerts))
	maxDrop := make([]float64, len(alerts))
	target := make([]float64, len(alerts))
	signal := make([]float64, len(alerts))

	for i, alert := range alerts {
		x[i] = alert.CreatedAt()
		maxDrop[i] = alert.MaxDropPercent
		target[i] = math.Abs(targetPercent)
		signal[i] = alert.RSI
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Max drop (%)",
			ValueFormatter: pctFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "RSI",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Max drop %",
				XValues: x,
				YValues: maxDrop,
			},
			chart.TimeSeries{
				Name:    "Target %",
				XValues: x,
				YValues: target,
			},
			chart.TimeSeries{
				Name:    "RSI at alert",
				XValues: x,
				YValues: signal,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
