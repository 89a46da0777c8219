// Package cli implements the pescan command line subcommands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/martinmaurice/pescan/pkg/fetcher"
	"github.com/martinmaurice/pescan/pkg/market"
	"github.com/martinmaurice/pescan/pkg/quota"
	"github.com/martinmaurice/pescan/pkg/throttle"
)

type (
	Analyzer interface {
		FetchMany(ctx context.Context, tickers []string, useCache bool, maxWorkers int) fetcher.BatchResult[market.MarketData]
	}
	ThrottleStatser interface {
		Stats(ctx context.Context) throttle.Stats
	}
	QuotaManager interface {
		Usage(ctx context.Context, tier, identifier string) (quota.Usage, error)
		Reset(ctx context.Context, tier, identifier string) error
	}
)

// Deps are the components the subcommands run on.
type Deps struct {
	Analyzer Analyzer
	Throttle ThrottleStatser
	Quota    QuotaManager
	Stdout   io.Writer
	Stderr   io.Writer
}

func (d Deps) stdout() io.Writer {
	if d.Stdout == nil {
		return os.Stdout
	}
	return d.Stdout
}

func (d Deps) stderr() io.Writer {
	if d.Stderr == nil {
		return os.Stderr
	}
	return d.Stderr
}

// Register the subcommands.
func Register(c *subcommands.Commander, d Deps) {
	c.Register(c.HelpCommand(), "")
	c.Register(c.FlagsCommand(), "")

	c.Register(&fetchCmd{deps: d}, "market data")
	c.Register(&throttleCmd{deps: d}, "protection")
	c.Register(&usageCmd{deps: d}, "protection")
	c.Register(&resetCmd{deps: d}, "protection")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("could not encode output: %w", err)
	}
	return nil
}
