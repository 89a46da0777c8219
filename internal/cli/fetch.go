package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/martinmaurice/pescan/pkg/fetcher"
	"github.com/martinmaurice/pescan/pkg/market"
)

// fetchCmd implements the "fetch" command.
type fetchCmd struct {
	deps    Deps
	workers int
	noCache bool
	asJSON  bool
}

func (*fetchCmd) Name() string     { return "fetch" }
func (*fetchCmd) Synopsis() string { return "fetches quotes through the shared throttle and cache" }
func (*fetchCmd) Usage() string {
	return `fetch [-workers N] [-no-cache] [-json] TICKER...:

Fetches the quotes of the given tickers, sharing the upstream rate limit with every running server.
`
}

func (c *fetchCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.workers, "workers", 0, "maximum concurrent upstream calls, 0 for the configured value")
	f.BoolVar(&c.noCache, "no-cache", false, "always call the upstream provider")
	f.BoolVar(&c.asJSON, "json", false, "print the batch result as JSON")
}

func (c *fetchCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	tickers := fetcher.Normalize(f.Args())
	if len(tickers) == 0 {
		fmt.Fprintln(c.deps.stderr(), "Error: at least one ticker is required")
		return subcommands.ExitUsageError
	}
	if c.workers < 0 {
		fmt.Fprintln(c.deps.stderr(), "Error: -workers must not be negative")
		return subcommands.ExitUsageError
	}

	res := c.deps.Analyzer.FetchMany(ctx, tickers, !c.noCache, c.workers)

	if c.asJSON {
		if err := printJSON(c.deps.stdout(), res); err != nil {
			fmt.Fprintf(c.deps.stderr(), "Error: %v\n", err)
			return subcommands.ExitFailure
		}
	} else {
		printQuotes(c.deps.stdout(), tickers, res)
		fmt.Fprintf(c.deps.stderr(), "%d fetched, %d failed, %d from cache, %d upstream calls in %.2fs\n",
			len(res.Successful), len(res.Failed), res.CacheHits, res.APICalls, res.ElapsedSeconds())
	}

	if len(res.Successful) == 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func formatFigure(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func printQuotes(w io.Writer, tickers []string, res fetcher.BatchResult[market.MarketData]) {
	sorted := append([]string(nil), tickers...)
	sort.Strings(sorted)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tPRICE\tTRAILING P/E\tFORWARD P/E\tNOTE")
	for _, ticker := range sorted {
		if data, ok := res.Successful[ticker]; ok {
			note := ""
			if len(data.Warnings) > 0 {
				note = data.Warnings[0]
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ticker,
				formatFigure(data.Price), formatFigure(data.TrailingPE), formatFigure(data.ForwardPE), note)
			continue
		}
		fmt.Fprintf(tw, "%s\t-\t-\t-\t%s\n", ticker, res.Failed[ticker])
	}
	tw.Flush()
}
