package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
)

// throttleCmd implements the "throttle" command.
type throttleCmd struct {
	deps Deps
}

func (*throttleCmd) Name() string     { return "throttle" }
func (*throttleCmd) Synopsis() string { return "prints the shared upstream throttle state" }
func (*throttleCmd) Usage() string {
	return `throttle:

Prints the available tokens of the shared token bucket and the upstream requests of the current hour.
`
}

func (*throttleCmd) SetFlags(*flag.FlagSet) {}

func (c *throttleCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := printJSON(c.deps.stdout(), c.deps.Throttle.Stats(ctx)); err != nil {
		fmt.Fprintf(c.deps.stderr(), "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type caller struct {
	tier       string
	identifier string
}

func (c *caller) setFlags(f *flag.FlagSet) {
	f.StringVar(&c.tier, "tier", "", "quota tier of the caller")
	f.StringVar(&c.identifier, "id", "", "api key or client ip of the caller")
}

func (c *caller) validate() error {
	if c.tier == "" || c.identifier == "" {
		return fmt.Errorf("-tier and -id are required")
	}
	return nil
}

// usageCmd implements the "usage" command.
type usageCmd struct {
	deps Deps
	caller
}

func (*usageCmd) Name() string     { return "usage" }
func (*usageCmd) Synopsis() string { return "prints today's quota usage of a caller" }
func (*usageCmd) Usage() string {
	return `usage -tier TIER -id IDENTIFIER:

Prints how many analyses the caller made today and when the counter resets.
`
}

func (c *usageCmd) SetFlags(f *flag.FlagSet) { c.setFlags(f) }

func (c *usageCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.validate(); err != nil {
		fmt.Fprintf(c.deps.stderr(), "Error: %v\n", err)
		return subcommands.ExitUsageError
	}

	usage, err := c.deps.Quota.Usage(ctx, c.tier, c.identifier)
	if err != nil {
		fmt.Fprintf(c.deps.stderr(), "Error: could not read usage of %s/%s: %v\n", c.tier, c.identifier, err)
		return subcommands.ExitFailure
	}
	if err := printJSON(c.deps.stdout(), usage); err != nil {
		fmt.Fprintf(c.deps.stderr(), "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// resetCmd implements the "reset" command.
type resetCmd struct {
	deps Deps
	caller
}

func (*resetCmd) Name() string     { return "reset" }
func (*resetCmd) Synopsis() string { return "clears today's quota usage of a caller" }
func (*resetCmd) Usage() string {
	return `reset -tier TIER -id IDENTIFIER:

Deletes the caller's counter for today in the shared backend.
`
}

func (c *resetCmd) SetFlags(f *flag.FlagSet) { c.setFlags(f) }

func (c *resetCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.validate(); err != nil {
		fmt.Fprintf(c.deps.stderr(), "Error: %v\n", err)
		return subcommands.ExitUsageError
	}

	if err := c.deps.Quota.Reset(ctx, c.tier, c.identifier); err != nil {
		fmt.Fprintf(c.deps.stderr(), "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(c.deps.stderr(), "Usage of %s/%s reset.\n", c.tier, c.identifier)
	return subcommands.ExitSuccess
}
