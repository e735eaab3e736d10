package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/tradeguard/internal/app"
	"github.com/sawpanic/tradeguard/internal/ops"
	"github.com/sawpanic/tradeguard/internal/ops/pulse"
	"github.com/sawpanic/tradeguard/internal/ops/tradelock"
	"github.com/sawpanic/tradeguard/internal/router"
	"github.com/sawpanic/tradeguard/internal/venue"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last state snapshot",
		Long: `Reads the snapshot the heartbeat last wrote. Renders tables on a terminal and
JSON otherwise; --csv emits the one-line CSV summary instead.`,
		RunE: runStatus,
	}
	cmd.Flags().Bool("csv", false, "Emit a CSV summary")
	cmd.Flags().Bool("json", false, "Emit JSON even on a terminal")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, name, closeFn, err := app.OpenStateStore(*cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	var snap pulse.Snapshot
	if err := store.Load(cmd.Context(), name, &snap); err != nil {
		if errors.Is(err, pulse.ErrNotFound) {
			return fmt.Errorf("no snapshot found for %q; is serve running?", name)
		}
		return err
	}

	out := cmd.OutOrStdout()
	asCSV, _ := cmd.Flags().GetBool("csv")
	asJSON, _ := cmd.Flags().GetBool("json")
	switch {
	case asCSV:
		return ops.NewStatusRenderer(out).WriteCSV(snap)
	case asJSON || !isTerminal(os.Stdout):
		return writeJSON(out, snap)
	default:
		ops.NewStatusRenderer(out).RenderConsole(snap, time.Now())
		return nil
	}
}

func newLocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List trade locks on disk",
		Long:  "Lists the holder records in the lock directory. A record may outlive a crashed holder; its flock does not.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			records, err := tradelock.List(cfg.Lock.Dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !isTerminal(os.Stdout) {
				return writeJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintf(out, "No locks in %s\n", cfg.Lock.Dir)
				return nil
			}
			fmt.Fprintf(out, "%-16s %-8s %-20s %s\n", "SYMBOL", "PID", "HOST", "ACQUIRED")
			for _, r := range records {
				fmt.Fprintf(out, "%-16s %-8d %-20s %s\n", r.Symbol, r.PID, r.Host, r.AcquiredAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newRouterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "router",
		Short: "Show learned venue restrictions",
		Long:  "Prints the router document: per-venue trade statistics, active restrictions and blocked pairs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, _, closeFn, err := app.OpenStateStore(*cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			st, err := router.LoadState(cmd.Context(), store, cfg.Router.StateName)
			if err != nil {
				if errors.Is(err, pulse.ErrNotFound) {
					return fmt.Errorf("no router state saved under %q", cfg.Router.StateName)
				}
				return err
			}
			out := cmd.OutOrStdout()
			if !isTerminal(os.Stdout) {
				return writeJSON(out, st)
			}
			renderRouter(out, st)
			return nil
		},
	}
}

func renderRouter(out io.Writer, st router.State) {
	fmt.Fprintf(out, "Router state saved %s\n\n", st.SavedAt.Format(time.RFC3339))

	fmt.Fprintf(out, "%-12s %8s %8s %8s\n", "VENUE", "TRADES", "FAILED", "SUCCESS")
	for _, v := range venue.SortedKeys(st.Capabilities) {
		c := st.Capabilities[v]
		fmt.Fprintf(out, "%-12s %8d %8d %7.0f%%\n", v, c.TotalTrades, c.FailedTrades, c.SuccessRate()*100)
	}

	fmt.Fprintf(out, "\nRestrictions (%d)\n", len(st.Restrictions))
	for _, r := range st.Restrictions {
		scope := r.Symbol
		if scope == "" {
			scope = "*"
		}
		expiry := "permanent"
		if r.ExpiresAt != nil {
			expiry = "until " + r.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "  %-10s %-12s %-22s %s\n", r.Venue, scope, r.Kind, expiry)
	}

	fmt.Fprintf(out, "\nBlocked pairs (%d)\n", len(st.Blocked))
	for _, b := range st.Blocked {
		fmt.Fprintf(out, "  %-12s %-10s %s\n", b.Symbol, b.Venue, b.Reason)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
