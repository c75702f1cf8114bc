package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agt20-indexer/internal/config"
	"agt20-indexer/internal/indexer"
	"agt20-indexer/internal/storage/migrations"
	pgstore "agt20-indexer/internal/storage/postgres"
	"agt20-indexer/internal/verification"
)

// errViolations makes verify exit non-zero.
var errViolations = errors.New("ledger invariants violated")

// withApp loads config, builds a logger and the app, and runs fn.
func withApp(cmd *cobra.Command, fn func(*app) error) error {
	cfg, err := mustConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := commandContext(cmd)
	defer cancel()
	cmd.SetContext(ctx)

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type summaryOutput struct {
	Mode           string `json:"mode"`
	Fetched        int    `json:"fetched"`
	Processed      int    `json:"processed"`
	Rejected       int    `json:"rejected"`
	Skipped        int    `json:"skipped"`
	AlreadyIndexed int    `json:"alreadyIndexed"`
	LastPostID     string `json:"lastPostId,omitempty"`
	DurationMs     int64  `json:"durationMs"`
}

func printSummary(s *indexer.Summary) error {
	return printJSON(summaryOutput{
		Mode:           s.Mode,
		Fetched:        s.Fetched,
		Processed:      s.Processed,
		Rejected:       s.Rejected,
		Skipped:        s.Skipped,
		AlreadyIndexed: s.AlreadyIndexed,
		LastPostID:     s.LastPostID,
		DurationMs:     s.Duration.Milliseconds(),
	})
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Index the recent window of the feed and advance the cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				s, err := a.indexer.Run(cmd.Context())
				if err != nil {
					return err
				}
				return printSummary(s)
			})
		},
	}
}

func backfillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Replay the full feed history; safe to re-run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				s, err := a.indexer.Backfill(cmd.Context())
				if err != nil {
					return err
				}
				return printSummary(s)
			})
		},
	}
}

func indexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "index <post-id|post-url>",
		Short: "Fetch and replay a single post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				res, err := a.indexer.IndexPost(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]string{
					"postId":  res.PostID,
					"outcome": res.Outcome.String(),
					"type":    res.Kind.String(),
					"tick":    res.Tick,
					"reason":  res.Reason,
				})
			})
		},
	}
}

func snapshotCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Overwrite token supply with claimed totals from the claim factory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				if a.syncer == nil {
					return errors.New("snapshot requires chainRpcUrl and claimFactory")
				}
				res, err := a.syncer.Sync(cmd.Context())
				if err != nil {
					return err
				}
				tokens := make([]map[string]string, 0, len(res.Tokens))
				for _, t := range res.Tokens {
					tokens = append(tokens, map[string]string{
						"tick":          t.Tick,
						"address":       t.Address,
						"claimed":       t.Claimed.String(),
						"onchainSupply": t.Supply.String(),
					})
				}
				return printJSON(map[string]any{
					"synced":     res.Synced,
					"errors":     res.Errors,
					"tokens":     tokens,
					"durationMs": res.Duration.Milliseconds(),
				})
			})
		},
	}
}

func verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check supply bounds and holder counts of every token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				report, err := verification.NewVerifier(a.store).VerifyAll(cmd.Context())
				if err != nil {
					return err
				}
				printReport(report)
				if !report.OK() {
					return errViolations
				}
				return nil
			})
		},
	}
}

func printReport(r *verification.VerificationReport) {
	fmt.Printf("tokens: %d  matched: %d  divergent: %d  drifted: %d\n",
		r.TotalTokens, r.MatchedTokens, r.DivergentTokens, r.DriftedTokens)
	for _, res := range r.Results {
		for _, d := range res.Divergences {
			fmt.Printf("  %s %s: expected %s, stored %s\n", res.Tick, d.Field, d.Expected, d.Actual)
		}
		if res.Drifted() {
			fmt.Printf("  %s drift: supply %s, balances %s\n", res.Tick, res.Supply, res.BalanceSum)
		}
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger and archive schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := mustConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer logger.Sync()
			return migrate(cmd, cfg, logger)
		},
	}
}

func migrate(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if cfg.PostgresDSN == "" {
		logger.Info("no postgres dsn configured, skipping ledger migrations")
	} else {
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		applied, err := migrations.RunPostgresMigrations(ctx, pool)
		if err != nil {
			return err
		}
		logger.Info("ledger migrations applied", zap.Strings("versions", applied))
	}

	if cfg.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
		if err != nil {
			return err
		}
		conn.Close()
		logger.Info("archive migrations applied")
	}
	return nil
}
