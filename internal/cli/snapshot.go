package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/store"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	Database string
	Prune    bool
}

// SnapshotEntry is the JSON shape of one persisted cache record.
type SnapshotEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	FetchedAt time.Time `json:"fetched_at"`
	StaleAt   time.Time `json:"stale_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SnapshotDump holds the dump output for the snapshot command.
type SnapshotDump struct {
	Entries []SnapshotEntry `json:"entries"`
	Count   int             `json:"count"`
}

// PruneSummary holds the prune output for the snapshot command.
type PruneSummary struct {
	Pruned    int64 `json:"pruned"`
	Remaining int   `json:"remaining"`
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or prune a persisted cache snapshot",
		Long: `Inspect a persisted cache snapshot stored in a SQLite database.

Without flags, lists every persisted entry with its freshness windows.
With --prune, deletes entries whose expiry has passed and reports how
many were removed.

Examples:
  loom snapshot --db ./loom.db
  loom snapshot --db ./loom.db --prune
  loom snapshot --db ./loom.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().BoolVar(&opts.Prune, "prune", false, "delete expired entries")

	return cmd
}

func runSnapshot(opts *SnapshotOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, fmt.Sprintf("failed to open database: %v", err), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		_ = st.Close()
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.Prune {
		return pruneSnapshot(ctx, st, formatter)
	}
	return dumpSnapshot(ctx, st, formatter)
}

func dumpSnapshot(ctx context.Context, st *store.Store, formatter *OutputFormatter) error {
	recs, err := st.LoadSnapshot(ctx)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, fmt.Sprintf("failed to load snapshot: %v", err), nil)
		return WrapExitError(ExitCommandError, "failed to load snapshot", err)
	}

	dump := SnapshotDump{Entries: make([]SnapshotEntry, 0, len(recs)), Count: len(recs)}
	for _, rec := range recs {
		dump.Entries = append(dump.Entries, SnapshotEntry{
			Key:       rec.Key,
			Value:     rec.Value,
			FetchedAt: rec.FetchedAt,
			StaleAt:   rec.StaleAt,
			ExpiresAt: rec.ExpiresAt,
		})
	}

	if formatter.Format == "json" {
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(CLIResponse{Status: "ok", Data: dump})
	}

	if dump.Count == 0 {
		fmt.Fprintln(formatter.Writer, "Snapshot is empty.")
		return nil
	}

	for _, e := range dump.Entries {
		fmt.Fprintf(formatter.Writer, "%s\n", e.Key)
		fmt.Fprintf(formatter.Writer, "  fetched %s  stale %s  expires %s\n",
			e.FetchedAt.Format(time.RFC3339),
			e.StaleAt.Format(time.RFC3339),
			e.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(formatter.Writer, "\n%d entry(ies)\n", dump.Count)
	return nil
}

func pruneSnapshot(ctx context.Context, st *store.Store, formatter *OutputFormatter) error {
	pruned, err := st.PruneExpired(ctx, time.Now())
	if err != nil {
		_ = formatter.Error(ErrCodeStore, fmt.Sprintf("failed to prune snapshot: %v", err), nil)
		return WrapExitError(ExitCommandError, "failed to prune snapshot", err)
	}

	remaining, err := st.Count(ctx)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, fmt.Sprintf("failed to count entries: %v", err), nil)
		return WrapExitError(ExitCommandError, "failed to count entries", err)
	}

	summary := PruneSummary{Pruned: pruned, Remaining: remaining}

	if formatter.Format == "json" {
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(CLIResponse{Status: "ok", Data: summary})
	}

	fmt.Fprintf(formatter.Writer, "Pruned %d expired entry(ies), %d remaining.\n", summary.Pruned, summary.Remaining)
	return nil
}
