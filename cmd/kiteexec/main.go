package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregtusar/kiteexec/internal/config"
	"github.com/gregtusar/kiteexec/pkg/engine"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app carries what every subcommand shares: flags, config, logger.
type app struct {
	cfgFile string
	dryRun  bool
	live    bool
	strict  bool

	cfg     *config.Config
	logger  *logrus.Logger
	logFile *os.File
}

func main() {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "kiteexec",
		Short: "Rate-limited order execution for Zerodha Kite",
		Long: `Places, modifies and cancels Kite orders through a shared rate limiter,
runs scale, chase and swarm execution jobs, and keeps a local registry of
order metadata reconciled with the broker.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { a.close() },
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./config.yaml or ~/.config/kiteexec/config.yaml)")
	flags.BoolVar(&a.dryRun, "dry-run", false, "simulate orders against the paper book")
	flags.BoolVar(&a.live, "live", false, "send orders to the broker")
	flags.BoolVar(&a.strict, "strict", false, "refuse live actions when the integrity check reports issues")
	rootCmd.MarkFlagsMutuallyExclusive("dry-run", "live")

	rootCmd.AddCommand(
		a.placeCmd(),
		a.modifyCmd(),
		a.cancelCmd(),
		a.closeCmd(),
		a.ordersCmd(),
		a.positionsCmd(),
		a.historyCmd(),
		a.reconcileCmd(),
		a.scaleCmd(),
		a.chaseCmd(),
		a.swarmCmd(),
		a.jobsCmd(),
		a.triggerCmd(),
		a.limitsCmd(),
		a.integrityCmd(),
		a.tokenCmd(),
		a.serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.logger = logrus.New()
	a.logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	switch {
	case a.dryRun:
		cfg.Trading.DryRun = true
	case a.live:
		cfg.Trading.DryRun = false
	}
	a.cfg = cfg

	return a.configureLogger(cmd.ErrOrStderr())
}

func (a *app) configureLogger(stderr io.Writer) error {
	if a.cfg.Logging.Format == "text" {
		a.logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(a.cfg.Logging.Level)
	if err != nil {
		a.logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	a.logger.SetLevel(level)

	a.logger.SetOutput(stderr)
	if a.cfg.Logging.File != "" {
		f, err := os.OpenFile(a.cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		a.logFile = f
		a.logger.SetOutput(io.MultiWriter(stderr, f))
	}
	return nil
}

func (a *app) close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// withEngine builds the engine, runs fn and tears the engine down again.
// Background sync only runs when sync is set.
func (a *app) withEngine(ctx context.Context, sync bool, fn func(*engine.Engine) error) error {
	eng, err := engine.New(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil {
			a.logger.WithError(err).Warn("Engine did not stop cleanly")
		}
	}()

	if err := eng.RequireLive(a.strict); err != nil {
		return err
	}
	if sync {
		if err := eng.Start(ctx); err != nil {
			return err
		}
	} else if _, err := eng.Reconcile(ctx); err != nil {
		a.logger.WithError(err).Warn("Initial reconciliation failed")
	}
	return fn(eng)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func parseDecimal(name, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	return d, nil
}

var errNothingToDo = errors.New("nothing to do")
