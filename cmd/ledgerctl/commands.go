package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/hypetoken/ledger-engine/internal/app"
	"github.com/hypetoken/ledger-engine/internal/config"
	"github.com/hypetoken/ledger-engine/internal/ledger"
	"github.com/hypetoken/ledger-engine/internal/staking"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
	"github.com/hypetoken/ledger-engine/internal/validator"
)

type loader func() (*config.Config, error)

type cli struct {
	load   loader
	pretty bool
}

func newRootCommand(load loader) *cobra.Command {
	c := &cli{load: load}
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the token allocation ledger and its consistency passes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&c.pretty, "pretty", true, "Pretty-print JSON output")

	root.AddCommand(
		c.passCommand("validate", "Validate tokenomics parameters and supply accounting", func(ctx context.Context, e *app.Engine) (any, error) {
			return e.Validator.Validate(ctx, time.Now())
		}),
		c.passCommand("audit", "Audit staking rewards and allocation distribution", func(ctx context.Context, e *app.Engine) (any, error) {
			return e.Auditor.Audit(ctx, time.Now())
		}),
		c.passCommand("reconcile", "Reconcile ledger balances against flows and reported totals", func(ctx context.Context, e *app.Engine) (any, error) {
			return e.Reconciler.Reconcile(ctx, time.Now())
		}),
		c.reportCommand(),
		c.stakingCommand(),
		c.flowCommand(),
		c.passCommand("status", "Show per-category release status", func(ctx context.Context, e *app.Engine) (any, error) {
			return e.Ledger.Status(ctx, time.Now())
		}),
		c.vestingCommand(),
		c.simulateCommand(),
		c.checkConfigCommand(),
		c.migrateCommand(),
	)
	return root
}

func (c *cli) write(cmd *cobra.Command, v any) error {
	var (
		out []byte
		err error
	)
	if c.pretty {
		out, err = json.MarshalIndent(v, "", "  ")
	} else {
		out, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(append(out, '\n'))
	return err
}

// withEngine opens the engine, runs fn and prints its result.
func (c *cli) withEngine(cmd *cobra.Command, fn func(context.Context, *app.Engine) (any, error)) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.JobTimeout)
	defer cancel()

	e, err := app.New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer e.Close()

	v, err := fn(ctx, e)
	if err != nil {
		return err
	}
	return c.write(cmd, v)
}

func (c *cli) passCommand(use, short string, fn func(context.Context, *app.Engine) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEngine(cmd, fn)
		},
	}
}

func (c *cli) reportCommand() *cobra.Command {
	cmd := c.passCommand("report", "Generate a health report from the latest passes", func(ctx context.Context, e *app.Engine) (any, error) {
		return e.Reporter.Generate(ctx, time.Now())
	})

	var limit int
	summary := &cobra.Command{
		Use:   "summary",
		Short: "Summarise recent health reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) (any, error) {
				return e.Reporter.Summary(ctx, limit)
			})
		},
	}
	summary.Flags().IntVar(&limit, "limit", 24, "Number of recent reports to include")
	cmd.AddCommand(summary)
	return cmd
}

func (c *cli) stakingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staking",
		Short: "Staking reward operations",
	}
	cmd.AddCommand(
		c.passCommand("recompute", "Recompute and persist the staking summary", func(ctx context.Context, e *app.Engine) (any, error) {
			return e.Staking.Recompute(ctx, time.Now())
		}),
		c.passCommand("positions", "List reward breakdowns for every position", func(ctx context.Context, e *app.Engine) (any, error) {
			return e.Staking.Breakdowns(ctx, time.Now())
		}),
	)
	return cmd
}

func (c *cli) flowCommand() *cobra.Command {
	var (
		req    ledger.FlowRequest
		amount string
	)
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Record a token flow out of an allocation category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			req.Amount = amt
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) (any, error) {
				return e.Ledger.RecordFlow(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&req.Category, "category", "", "Allocation category")
	cmd.Flags().StringVar(&amount, "amount", "", "Whole number of tokens")
	cmd.Flags().StringVar(&req.Destination, "destination", "", "Destination wallet")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Reason for the release")
	cmd.Flags().StringVar(&req.TxRef, "tx-ref", "", "On-chain transaction reference")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func (c *cli) vestingCommand() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "vesting <category>",
		Short: "Show the vested amount of a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := tokenomics.ParseCategory(args[0])
			if err != nil {
				return err
			}
			when := time.Now()
			if at != "" {
				if when, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			cfg, err := c.load()
			if err != nil {
				return err
			}
			p, err := app.Params(cfg)
			if err != nil {
				return err
			}
			alloc := p.Supply.Allocations[cat]
			return c.write(cmd, map[string]any{
				"category":     cat,
				"at":           when.UTC(),
				"allocation":   alloc.Amount,
				"vested":       ledger.Vested(alloc, p.Supply.LaunchDate, when),
				"cliff_days":   alloc.CliffDays,
				"vesting_days": alloc.VestingDays,
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 timestamp (default now)")
	return cmd
}

func (c *cli) simulateCommand() *cobra.Command {
	var amount, tier string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Project a full-term stake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			p, err := app.Params(cfg)
			if err != nil {
				return err
			}
			if tier == "" {
				return c.write(cmd, staking.Illustrate(p.Tiers))
			}
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			sim, err := staking.Simulate(amt, tier, p.Tiers)
			if err != nil {
				return err
			}
			return c.write(cmd, sim)
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "0", "Amount to stake")
	cmd.Flags().StringVar(&tier, "tier", "", "Staking tier (omit to illustrate every tier)")
	return cmd
}

func (c *cli) checkConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Run the static tokenomics checks without touching the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			p, err := app.Params(cfg)
			if err != nil {
				return err
			}
			res := validator.CheckConfig(p)
			if err := c.write(cmd, res); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("tokenomics configuration has %d errors", len(res.Errors))
			}
			return nil
		},
	}
}

func (c *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <up|down|status|version|redo|up-to|down-to> [version]",
		Short: "Run schema migrations against the configured SQL store",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			return app.Migrate(cmd.Context(), cfg, args[0], args[1:]...)
		},
	}
}
