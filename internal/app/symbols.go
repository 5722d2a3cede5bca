package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"overbought-alerts/internal/market"
	"overbought-alerts/internal/numeric"
)

// symbolReport summarises the tradable universe.
type symbolReport struct {
	Total       int
	Tradable    int
	Liquid      []market.Ticker
	Blacklisted int
}

// Symbols prints how many symbols survive the blacklist and liquidity floors.
func (a *App) Symbols(ctx context.Context) error {
	client := a.newClient()

	symbols, err := client.ListSymbols(ctx, a.Config.Exchange.Category)
	if err != nil {
		return err
	}
	tickers, err := client.AllTickers(ctx)
	if err != nil {
		return err
	}

	report := buildSymbolReport(symbols, tickers, a.Config.Monitor.Blacklist,
		a.Config.Liquidity.MinVolume24h, a.Config.Liquidity.MinOpenInterest)
	return writeSymbolReport(os.Stdout, report, 10)
}

func buildSymbolReport(symbols []string, tickers map[string]market.Ticker, blacklist []string, minVolume, minOI float64) symbolReport {
	banned := make(map[string]bool, len(blacklist))
	for _, s := range blacklist {
		banned[strings.ToUpper(strings.TrimSpace(s))] = true
	}

	report := symbolReport{Total: len(symbols)}
	for _, sym := range symbols {
		if banned[sym] {
			report.Blacklisted++
			continue
		}
		report.Tradable++
		t, ok := tickers[sym]
		if !ok {
			continue
		}
		if t.Turnover24h >= minVolume && t.OpenInterest >= minOI {
			report.Liquid = append(report.Liquid, t)
		}
	}
	sort.Slice(report.Liquid, func(i, j int) bool {
		return report.Liquid[i].Turnover24h > report.Liquid[j].Turnover24h
	})
	return report
}

func writeSymbolReport(out io.Writer, r symbolReport, top int) error {
	fmt.Fprintf(out, "Symbols listed: %d\n", r.Total)
	fmt.Fprintf(out, "After blacklist: %d (%d removed)\n", r.Tradable, r.Blacklisted)
	fmt.Fprintf(out, "Passing liquidity floors: %d\n\n", len(r.Liquid))

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tLast\tVolume24h\tOpenInterest\tFunding")
	for i, t := range r.Liquid {
		if i == top {
			break
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			t.Symbol,
			numeric.Fixed(t.LastPrice, 6),
			numeric.Fixed(t.Turnover24h, 0),
			numeric.Fixed(t.OpenInterest, 0),
			numeric.Percent(t.FundingRate, 4),
		)
	}
	return writer.Flush()
}
