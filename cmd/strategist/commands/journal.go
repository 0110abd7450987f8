package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/slyt3/strategist/internal/journal"
	"github.com/slyt3/strategist/internal/journal/store"
	"github.com/slyt3/strategist/internal/models"
)

var errChainInvalid = errors.New("journal chain verification failed")

var (
	flagVerifyAll    bool
	flagVerifyPubKey string
	flagTailLimit    int
	flagTailRun      string
	flagExportRun    string
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Read and verify the signed phase journal",
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify [run-id]",
	Short: "Replay a run's hash chain and check every signature (default: latest run)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(func(db *store.DB) error {
			var runIDs []string
			switch {
			case flagVerifyAll:
				runs, err := db.ListRuns()
				if err != nil {
					return err
				}
				for _, r := range runs {
					runIDs = append(runIDs, r.ID)
				}
			case len(args) == 1:
				runIDs = []string{args[0]}
			default:
				id, err := latestRun(db, "")
				if err != nil {
					return err
				}
				if id != "" {
					runIDs = []string{id}
				}
			}
			if len(runIDs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs found in journal")
				return nil
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, id := range runIDs {
				res, err := journal.VerifyChain(db, id, flagVerifyPubKey)
				if err != nil {
					return fmt.Errorf("verifying run %s: %w", id, err)
				}
				if res.Valid {
					fmt.Fprintf(out, "run %s: chain valid (%d entries)\n", short(id), res.TotalEntries)
					continue
				}
				failed++
				fmt.Fprintf(out, "run %s: chain INVALID at seq %d: %s\n", short(id), res.FailedAtSeq, res.ErrorMessage)
			}
			if failed > 0 {
				return errChainInvalid
			}
			return nil
		})
	},
}

var journalTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent entries of a run, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withJournal(func(db *store.DB) error {
			runID, err := latestRun(db, flagTailRun)
			if err != nil {
				return err
			}
			if runID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs found in journal")
				return nil
			}
			entries, err := db.GetRecentEntries(runID, flagTailLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s, last %d entries\n", short(runID), len(entries))
			for i := len(entries) - 1; i >= 0; i-- {
				printEntry(out, &entries[i])
			}
			return nil
		})
	},
}

var journalRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List journal runs with outcome counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withJournal(func(db *store.DB) error {
			runs, err := db.ListRuns()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs found in journal")
				return nil
			}
			for _, r := range runs {
				stats, err := db.GetRunStats(r.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s  %s  %-20s entries=%d cycles=%d done=%d failed=%d aborted=%d",
					short(r.ID), r.StartedAt, r.Strategist, stats.TotalEntries, stats.Cycles,
					stats.StatusCounts["done"], stats.StatusCounts["failed"], stats.StatusCounts["aborted"])
				if stats.LastSettlement != "" {
					fmt.Fprintf(out, " last_settlement=%s", stats.LastSettlement)
				}
				fmt.Fprintln(out)
			}
			return nil
		})
	},
}

var journalExportCmd = &cobra.Command{
	Use:   "export <file.json>",
	Short: "Write a run with its public key and every entry to a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(func(db *store.DB) error {
			runID, err := latestRun(db, flagExportRun)
			if err != nil {
				return err
			}
			if runID == "" {
				return fmt.Errorf("no runs found in journal")
			}
			info, err := db.GetRunInfo(runID)
			if err != nil {
				return err
			}
			entries, err := db.GetAllEntries(runID)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(exportDocument{
				Run:        *info,
				Entries:    entries,
				ExportedAt: time.Now().UTC(),
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding export: %w", err)
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return fmt.Errorf("writing export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d entries of run %s to %s\n", len(entries), short(runID), args[0])
			return nil
		})
	},
}

var journalRekeyCmd = &cobra.Command{
	Use:   "rekey",
	Short: "Replace the journal signing key and record the rotation in a new run",
	Long: `Replace the Ed25519 key at --journal-key and open a new run signed by it.
The run's first entry after genesis records the previous and the new public
key. Earlier runs keep verifying against the key stored with them.

Stop the strategist first: a running process keeps signing with the key it loaded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := os.Stat(settings.JournalPath); err != nil {
			return fmt.Errorf("opening journal %s: %w", settings.JournalPath, err)
		}
		db, err := store.NewDB(settings.JournalPath)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		w, err := journal.NewWorker(rekeyBufferSize, db, settings.JournalKeyPath)
		if err != nil {
			_ = db.Close()
			return err
		}
		oldPub, newPub, err := w.RotateKey(cmd.Context(), "rekey")
		runID := w.RunID()
		if shutErr := w.Shutdown(settings.ShutdownTimeout); shutErr != nil && err == nil {
			err = shutErr
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "rotated journal key %s\n", settings.JournalKeyPath)
		fmt.Fprintf(out, "  previous: %s\n", oldPub)
		fmt.Fprintf(out, "  current:  %s\n", newPub)
		fmt.Fprintf(out, "  recorded in run %s\n", short(runID))
		return nil
	},
}

const rekeyBufferSize = 4

type exportDocument struct {
	Run        models.RunInfo `json:"run"`
	Entries    []models.Entry `json:"entries"`
	ExportedAt time.Time      `json:"exported_at"`
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalVerifyCmd, journalTailCmd, journalRunsCmd, journalExportCmd, journalRekeyCmd)

	journalVerifyCmd.Flags().BoolVar(&flagVerifyAll, "all", false,
		"verify every run in the journal")
	journalVerifyCmd.Flags().StringVar(&flagVerifyPubKey, "pubkey", "",
		"hex Ed25519 key to verify against instead of the key recorded with the run")

	journalTailCmd.Flags().IntVarP(&flagTailLimit, "limit", "n", 20,
		"number of entries to show")
	journalTailCmd.Flags().StringVar(&flagTailRun, "run", "",
		"run id (default: latest run)")
	journalExportCmd.Flags().StringVar(&flagExportRun, "run", "",
		"run id (default: latest run)")
}

func withJournal(fn func(db *store.DB) error) (err error) {
	if _, statErr := os.Stat(settings.JournalPath); statErr != nil {
		return fmt.Errorf("opening journal %s: %w", settings.JournalPath, statErr)
	}
	db, err := store.NewDB(settings.JournalPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(db)
}

func latestRun(db *store.DB, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return db.GetLatestRunID()
}

func printEntry(out io.Writer, e *models.Entry) {
	fmt.Fprintf(out, "[%d] %s %-14s", e.SeqIndex, e.Timestamp.UTC().Format(time.RFC3339), e.Kind)
	if e.Phase != "" {
		fmt.Fprintf(out, " %-10s", e.Phase)
	}
	if e.Status != "" {
		fmt.Fprintf(out, " %s", e.Status)
	}
	if e.TxHash != "" {
		fmt.Fprintf(out, " tx=%s", e.TxHash)
	}
	if e.Detail != "" {
		fmt.Fprintf(out, " (%s)", e.Detail)
	}
	fmt.Fprintln(out)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
