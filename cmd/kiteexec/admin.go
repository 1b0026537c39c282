package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gregtusar/kiteexec/api"
	"github.com/gregtusar/kiteexec/pkg/engine"
	"github.com/gregtusar/kiteexec/pkg/integrity"
	"github.com/gregtusar/kiteexec/pkg/kite"
	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/gregtusar/kiteexec/pkg/triggers"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (a *app) integrityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Check the config against the last recorded baseline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := integrity.Check(integrity.Options{
				ConfigPath:         a.cfg.File,
				BaselinePath:       a.cfg.Integrity.BaselinePath,
				DryRun:             a.cfg.Trading.DryRun,
				MissingCredentials: a.cfg.MissingCredentials(),
			}, a.logger)

			out := cmd.OutOrStdout()
			status := "ok"
			if !report.OK {
				status = "issues found"
			}
			fmt.Fprintf(out, "[%s] integrity %s\n", a.cfg.Mode(), status)
			fmt.Fprintf(out, "  config:   %s\n", orDash(a.cfg.File))
			fmt.Fprintf(out, "  digest:   %s\n", orDash(report.Digest))
			fmt.Fprintf(out, "  baseline: %s\n", orDash(report.BaselinePath))
			for _, issue := range report.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
			if a.strict && !report.OK {
				return errors.New("integrity check failed")
			}
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (a *app) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Obtain a Kite access token",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "login-url",
		Short: "Print the Kite Connect login URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Kite.APIKey == "" {
				return errors.New("kite.api_key is not set")
			}
			fmt.Fprintln(cmd.OutOrStdout(), kite.LoginURL(a.cfg.Kite.APIKey))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "exchange REQUEST_TOKEN",
		Short: "Exchange a request token from the login redirect for an access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Kite.APIKey == "" || a.cfg.Kite.APISecret == "" {
				return errors.New("kite.api_key and kite.api_secret are required")
			}
			session, err := kite.ExchangeRequestToken(cmd.Context(), nil, a.cfg.Kite.RootURL,
				a.cfg.Kite.APIKey, a.cfg.Kite.APISecret, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user:         %s (%s)\n", session.UserID, session.UserName)
			fmt.Fprintf(out, "access token: %s\n", session.AccessToken)
			fmt.Fprintln(out, "export KITE_ACCESS_TOKEN to use it")
			return nil
		},
	})

	var ttl time.Duration
	var subject string
	apiToken := &cobra.Command{
		Use:   "api",
		Short: "Issue a bearer token for the control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is not set; the API is open")
			}
			token, err := api.IssueToken(a.cfg.Server.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	apiToken.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	apiToken.Flags().StringVar(&subject, "subject", "kiteexec", "token subject")
	cmd.AddCommand(apiToken)
	return cmd
}

func (a *app) triggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Manage broker-side GTT triggers",
	}

	var (
		exchange, product   string
		value, price        string
		stop, stopPrice     string
		target, targetPrice string
		quantity            int
	)
	create := &cobra.Command{
		Use:   "create BUY|SELL SYMBOL",
		Short: "Create a single trigger (--value, --price) or a two-leg one (--stop/--target)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			side := models.OrderSide(strings.ToUpper(args[0]))
			symbol := strings.ToUpper(args[1])
			if exchange == "" {
				exchange = a.cfg.Trading.DefaultExchange
			}
			if product == "" {
				product = a.cfg.Trading.DefaultProduct
			}

			var t *models.Trigger
			if stop != "" || target != "" {
				sv, err := parseDecimal("stop", stop)
				if err != nil {
					return err
				}
				sp, err := parseDecimal("stop-price", stopPrice)
				if err != nil {
					return err
				}
				tv, err := parseDecimal("target", target)
				if err != nil {
					return err
				}
				tp, err := parseDecimal("target-price", targetPrice)
				if err != nil {
					return err
				}
				t = triggers.OCO(strings.ToUpper(exchange), symbol, product,
					sv, models.TriggerLeg{Side: side, Quantity: quantity, Price: sp},
					tv, models.TriggerLeg{Side: side, Quantity: quantity, Price: tp})
			} else {
				v, err := parseDecimal("value", value)
				if err != nil {
					return err
				}
				p, err := parseDecimal("price", price)
				if err != nil {
					return err
				}
				t = triggers.Single(strings.ToUpper(exchange), symbol, product, v,
					models.TriggerLeg{Side: side, Quantity: quantity, Price: p})
			}

			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				id, err := eng.Triggers.Create(cmd.Context(), t)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] trigger %s created for %s (%s)\n", eng.Mode, id, symbol, t.Type)
				return nil
			})
		},
	}
	f := create.Flags()
	f.IntVarP(&quantity, "quantity", "q", 0, "quantity per leg")
	f.StringVar(&exchange, "exchange", "", "exchange (default from config)")
	f.StringVar(&product, "product", "", "product (default from config)")
	f.StringVar(&value, "value", "", "trigger value of a single trigger")
	f.StringVarP(&price, "price", "p", "", "limit price of a single trigger's order")
	f.StringVar(&stop, "stop", "", "lower trigger value of a two-leg trigger")
	f.StringVar(&stopPrice, "stop-price", "", "limit price of the stop leg")
	f.StringVar(&target, "target", "", "upper trigger value of a two-leg trigger")
	f.StringVar(&targetPrice, "target-price", "", "limit price of the target leg")
	_ = create.MarkFlagRequired("quantity")
	create.MarkFlagsRequiredTogether("stop", "stop-price", "target", "target-price")
	create.MarkFlagsMutuallyExclusive("value", "stop")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active triggers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				list, err := eng.Triggers.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tINSTRUMENT\tVALUES\tSTATUS")
				for _, t := range list {
					values := make([]string, len(t.TriggerValues))
					for i, v := range t.TriggerValues {
						values[i] = v.String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Type,
						models.InstrumentKey(t.Exchange, t.Symbol), strings.Join(values, "/"), t.Status)
				}
				return tw.Flush()
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete TRIGGER_ID",
		Short: "Delete a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				if err := eng.Triggers.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] trigger %s deleted\n", eng.Mode, args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the control API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port == 0 {
				port = a.cfg.Server.Port
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			eng, err := engine.New(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			if err := eng.RequireLive(a.strict); err != nil {
				eng.Stop(context.Background())
				return err
			}
			if err := eng.Start(ctx); err != nil {
				eng.Stop(context.Background())
				return err
			}

			server := api.NewServer(eng, a.logger, port, a.cfg.Server.JWTSecret)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Start(gctx) })

			a.logger.WithField("mode", eng.Mode).Info("kiteexec is running. Press Ctrl+C to stop.")
			<-gctx.Done()
			a.logger.Info("Received shutdown signal")

			serveErr := g.Wait()
			stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			if err := eng.Stop(stopCtx); err != nil {
				return err
			}
			a.logger.Info("kiteexec stopped")
			return serveErr
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "API port (default from config)")
	return cmd
}
