package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/slyt3/strategist/internal/api"
	"github.com/slyt3/strategist/internal/config"
	"github.com/slyt3/strategist/internal/coprocessor"
	"github.com/slyt3/strategist/internal/domain"
	"github.com/slyt3/strategist/internal/domain/cosmos"
	"github.com/slyt3/strategist/internal/domain/evm"
	"github.com/slyt3/strategist/internal/engine"
	"github.com/slyt3/strategist/internal/journal"
	"github.com/slyt3/strategist/internal/journal/store"
	"github.com/slyt3/strategist/internal/logging"
	"github.com/slyt3/strategist/internal/metrics"
	"github.com/slyt3/strategist/internal/proof"
	"github.com/slyt3/strategist/internal/transport"
)

const journalBufferSize = 1024

var (
	flagMetricsAddr    string
	flagOnce           bool
	flagBlockOnFull    bool
	flagAnchorInterval time.Duration
	flagName           string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the phase cycle until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Flags().Changed("metrics-addr") {
			settings.MetricsAddr = flagMetricsAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, settings)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "",
		"listen address for /healthz, /readyz, /status and /metrics; empty disables; overrides STRATEGIST_METRICS_ADDR")
	runCmd.Flags().BoolVar(&flagOnce, "once", false,
		"run a single cycle and exit")
	runCmd.Flags().BoolVar(&flagBlockOnFull, "journal-block", false,
		"wait briefly for journal queue room instead of dropping entries")
	runCmd.Flags().DurationVar(&flagAnchorInterval, "anchor-interval", journal.DefaultAnchorInterval,
		"how often the journal records the ethereum chain head; 0 disables")
	runCmd.Flags().StringVar(&flagName, "name", "",
		"strategist name recorded in the journal (default: the ethereum account)")
}

func run(ctx context.Context, rt config.Runtime) error {
	if err := transport.Install(); err != nil {
		return fmt.Errorf("installing transport: %w", err)
	}

	cfgStore, err := config.NewStore(rt.ConfigPath)
	if err != nil {
		return err
	}
	cfg, err := cfgStore.Load()
	if err != nil {
		return err
	}
	logging.Info("config_loaded", logging.Fields{Component: "cli", Detail: rt.ConfigPath})

	resolver := domain.NewFactory(cfg, map[string]domain.Opener{
		config.KindEVM:    evm.Opener(rt.EVMKey),
		config.KindCosmos: cosmos.Opener(),
	})
	verifier, err := newVerifier(cfg.Coprocessor)
	if err != nil {
		return err
	}

	db, err := store.NewDB(rt.JournalPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	logLastOutcome(db)

	worker, err := journal.NewWorker(journalBufferSize, db, rt.JournalKeyPath)
	if err != nil {
		_ = db.Close()
		return err
	}
	if flagBlockOnFull {
		if err := worker.SetBackpressureMode(journal.BackpressureBlock); err != nil {
			_ = db.Close()
			return err
		}
	}
	if flagAnchorInterval > 0 {
		if err := worker.SetAnchorer(chainAnchor(resolver), flagAnchorInterval); err != nil {
			_ = db.Close()
			return err
		}
	}
	if err := worker.Start(ctx, strategistName(cfg)); err != nil {
		_ = db.Close()
		return err
	}
	defer func() {
		if err := worker.Shutdown(rt.ShutdownTimeout); err != nil {
			logging.Error("journal_shutdown_failed", logging.Fields{Component: "cli", Error: err.Error()})
		}
	}()

	reg := metrics.NewRegistry()
	phases := metrics.NewPhaseCollector(reg)
	phases.SetCursor(cfg.Cursor.SettlementNonce)
	reg.MustRegister(metrics.NewJournalCollector(worker))

	eng, err := engine.New(cfg, engine.Deps{
		Store:     cfgStore,
		Domains:   resolver,
		Prover:    coprocessor.New(cfg.Coprocessor, transport.Client()),
		Verifier:  verifier,
		Observers: []engine.Observer{journal.NewObserver(worker), phases},
	})
	if err != nil {
		return err
	}

	if rt.MetricsAddr != "" {
		srv := api.NewServer(rt.MetricsAddr, api.NewHandlers(eng, worker, reg))
		go serve(srv)
		defer shutdownServer(srv, rt.ShutdownTimeout)
	}

	if flagOnce {
		return eng.RunCycle(ctx)
	}
	return eng.Run(ctx)
}

func newVerifier(cfg *config.CoprocessorConfig) (proof.Verifier, error) {
	switch cfg.Verifier {
	case config.VerifierEd25519:
		v, err := proof.NewEd25519Verifier(cfg.AttestationKey)
		if err != nil {
			return nil, &config.ConfigError{Path: "coprocessor.attestation_key", Err: err}
		}
		return v, nil
	default:
		return proof.DigestVerifier{}, nil
	}
}

type chainHead interface {
	Anchor(ctx context.Context) (uint64, string, error)
}

// chainAnchor reads the latest ethereum header through a scoped client.
func chainAnchor(r domain.Resolver) journal.Anchorer {
	return journal.AnchorFunc(func(ctx context.Context) (uint64, string, error) {
		var (
			height uint64
			hash   string
		)
		err := domain.With(ctx, r, config.DomainEthereum, func(c domain.Client) error {
			head, ok := c.(chainHead)
			if !ok {
				return fmt.Errorf("%s client cannot report a chain head", c.Domain())
			}
			var err error
			height, hash, err = head.Anchor(ctx)
			return err
		})
		return height, hash, err
	})
}

func strategistName(cfg *config.StrategyConfig) string {
	if flagName != "" {
		return flagName
	}
	if cfg.Ethereum != nil && cfg.Ethereum.Account != "" {
		return cfg.Ethereum.Account
	}
	return "strategist"
}

// logLastOutcome reports where the previous process left off. It is
// informational; the engine always restarts at Sentry.
func logLastOutcome(db *store.DB) {
	last, err := db.LastOutcome()
	if err != nil {
		logging.Warn("journal_last_outcome_failed", logging.Fields{Component: "cli", Error: err.Error()})
		return
	}
	if last == nil {
		return
	}
	logging.Info("journal_last_outcome", logging.Fields{
		Component: "cli",
		RunID:     last.RunID,
		CycleID:   last.CycleID,
		Phase:     last.Phase,
		Status:    last.Status,
		TxHash:    last.TxHash,
	})
}

func serve(srv *http.Server) {
	logging.Info("api_listening", logging.Fields{Component: "api", Detail: srv.Addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("api_server_failed", logging.Fields{Component: "api", Error: err.Error()})
	}
}

func shutdownServer(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("api_shutdown_failed", logging.Fields{Component: "api", Error: err.Error()})
	}
}
