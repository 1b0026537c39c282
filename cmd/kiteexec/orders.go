package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gregtusar/kiteexec/pkg/cancel"
	"github.com/gregtusar/kiteexec/pkg/engine"
	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/gregtusar/kiteexec/pkg/router"
	"github.com/spf13/cobra"
)

func printResult(w io.Writer, action string, res router.Result) {
	line := fmt.Sprintf("[%s] %s %s: %s", res.Mode, action, res.OrderID, res.Status)
	if res.Reason != "" {
		line += " (" + res.Reason + ")"
	}
	fmt.Fprintln(w, line)
}

func (a *app) placeCmd() *cobra.Command {
	var (
		exchange, product, orderType, role, group, strategy string
		price, trigger                                      string
		quantity                                            int
		protected, unprotected                              bool
	)
	cmd := &cobra.Command{
		Use:   "place BUY|SELL SYMBOL",
		Short: "Place a single order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			px, err := parseDecimal("price", price)
			if err != nil {
				return err
			}
			trg, err := parseDecimal("trigger", trigger)
			if err != nil {
				return err
			}
			req := models.OrderRequest{
				Side:         models.OrderSide(strings.ToUpper(args[0])),
				Symbol:       strings.ToUpper(args[1]),
				Exchange:     strings.ToUpper(exchange),
				Type:         models.OrderType(strings.ToUpper(orderType)),
				Quantity:     quantity,
				Price:        px,
				TriggerPrice: trg,
				Product:      product,
				Role:         models.ParseRole(role),
				Group:        group,
				StrategyID:   strategy,
			}
			if req.Exchange == "" {
				req.Exchange = a.cfg.Trading.DefaultExchange
			}
			if req.Product == "" {
				req.Product = a.cfg.Trading.DefaultProduct
			}
			if req.Type == "" {
				req.Type = models.OrderTypeLimit
				if px.IsZero() {
					req.Type = models.OrderTypeMarket
				}
			}
			switch {
			case protected:
				req.Protected = &protected
			case unprotected:
				no := false
				req.Protected = &no
			}

			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				res, err := eng.Router.Place(cmd.Context(), req)
				printResult(cmd.OutOrStdout(), fmt.Sprintf("place %s %s %d", req.Side, req.Symbol, req.Quantity), res)
				return err
			})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&quantity, "quantity", "q", 0, "order quantity")
	f.StringVarP(&price, "price", "p", "", "limit price; omit for a market order")
	f.StringVar(&trigger, "trigger", "", "trigger price for SL and SL-M orders")
	f.StringVarP(&orderType, "type", "t", "", "MARKET, LIMIT, SL or SL-M")
	f.StringVar(&exchange, "exchange", "", "exchange (default from config)")
	f.StringVar(&product, "product", "", "product (default from config)")
	f.StringVar(&role, "role", "", "entry, stop_loss, take_profit or hedge")
	f.StringVar(&group, "group", "", "group tag")
	f.StringVar(&strategy, "strategy", "", "strategy id")
	f.BoolVar(&protected, "protected", false, "exempt from bulk cancels regardless of role")
	f.BoolVar(&unprotected, "unprotected", false, "allow bulk cancels regardless of role")
	cmd.MarkFlagsMutuallyExclusive("protected", "unprotected")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func (a *app) modifyCmd() *cobra.Command {
	var price, trigger, orderType string
	var quantity int
	cmd := &cobra.Command{
		Use:   "modify ORDER_ID",
		Short: "Modify a working order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var update models.OrderUpdate
			if cmd.Flags().Changed("quantity") {
				update.Quantity = &quantity
			}
			if price != "" {
				px, err := parseDecimal("price", price)
				if err != nil {
					return err
				}
				update.Price = &px
			}
			if trigger != "" {
				trg, err := parseDecimal("trigger", trigger)
				if err != nil {
					return err
				}
				update.TriggerPrice = &trg
			}
			if orderType != "" {
				t := models.OrderType(strings.ToUpper(orderType))
				update.Type = &t
			}
			if update == (models.OrderUpdate{}) {
				return fmt.Errorf("%w: pass at least one of --quantity, --price, --trigger, --type", errNothingToDo)
			}

			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				res, err := eng.Router.Modify(cmd.Context(), args[0], update)
				printResult(cmd.OutOrStdout(), "modify", res)
				if err == nil {
					if o, getErr := eng.Registry.Get(args[0]); getErr == nil {
						fmt.Fprintf(cmd.OutOrStdout(), "modifications: %d/%d\n", o.ModificationCount, eng.Registry.ModificationCap())
					}
				}
				return err
			})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&quantity, "quantity", "q", 0, "new quantity")
	f.StringVarP(&price, "price", "p", "", "new price")
	f.StringVar(&trigger, "trigger", "", "new trigger price")
	f.StringVarP(&orderType, "type", "t", "", "new order type")
	return cmd
}

func printReport(w io.Writer, report cancel.Report) {
	fmt.Fprintf(w, "[%s] cancel where %s\n", report.Mode, report.Predicate)
	for _, o := range report.Outcomes {
		line := fmt.Sprintf("  %s %s: %s", o.OrderID, o.Symbol, o.Status)
		if o.Protected {
			line += " [protected]"
		}
		if o.Error != "" {
			line += " error: " + o.Error
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "cancelled %d, failed %d\n", report.Cancelled, report.Failed)
}

func (a *app) cancelCmd() *cobra.Command {
	var flags cancel.Flags
	var strategy string
	cmd := &cobra.Command{
		Use:   "cancel ORDER_ID | all | where EXPR | ladder SYMBOL | nonessential",
		Short: "Cancel one order or a selection of orders",
		Long: `Cancel a single order by id, or cancel in bulk:

  all               every working order
  where EXPR        orders matching EXPR, e.g. 'symbol == "INFY" and age > 30'
  ladder SYMBOL     the legs of scale and swarm jobs on SYMBOL
  nonessential      unprotected orders, optionally for one --strategy

A bulk cancel that selects a protected order cancels nothing unless both
--include-protected and --confirm are given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return a.withEngine(ctx, false, func(eng *engine.Engine) error {
				var (
					report cancel.Report
					err    error
				)
				switch args[0] {
				case "all":
					report, err = eng.Cancels.CancelAll(ctx, flags)
				case "where":
					if len(args) < 2 {
						return fmt.Errorf("cancel where needs an expression")
					}
					report, err = eng.Cancels.CancelWhere(ctx, strings.Join(args[1:], " "), flags)
				case "ladder":
					if len(args) != 2 {
						return fmt.Errorf("cancel ladder needs a symbol")
					}
					report, err = eng.Cancels.CancelLadder(ctx, strings.ToUpper(args[1]), flags)
				case "nonessential":
					report, err = eng.Cancels.CancelNonessential(ctx, strategy)
				default:
					res, err := eng.Router.Cancel(ctx, args[0])
					printResult(out, "cancel", res)
					return err
				}
				if err != nil {
					return err
				}
				printReport(out, report)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&flags.IncludeProtected, "include-protected", false, "allow protected orders in a bulk cancel")
	f.BoolVar(&flags.Confirm, "confirm", false, "confirm cancelling protected orders")
	f.StringVar(&strategy, "strategy", "", "limit nonessential cancels to one strategy")
	return cmd
}

func (a *app) closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close SYMBOL",
		Short: "Flatten open positions in SYMBOL with market orders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol := strings.ToUpper(args[0])
			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				positions, err := eng.Broker.ListPositions(cmd.Context())
				if err != nil {
					return err
				}
				closed := 0
				for _, pos := range positions {
					if pos.Symbol != symbol || pos.Quantity == 0 {
						continue
					}
					res, err := eng.Router.ClosePosition(cmd.Context(), pos)
					printResult(cmd.OutOrStdout(), fmt.Sprintf("close %s %d", models.InstrumentKey(pos.Exchange, pos.Symbol), pos.Quantity), res)
					if err != nil {
						return err
					}
					closed++
				}
				if closed == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "no open position in %s\n", symbol)
				}
				return nil
			})
		},
	}
}

func (a *app) ordersCmd() *cobra.Command {
	var where string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List orders in the local registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pred, err := cancel.Compile(where)
			if err != nil {
				return err
			}
			if activeOnly {
				pred = cancel.All(pred, cancel.AllActive())
			}
			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				orders := eng.Cancels.Select(pred)
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ORDER ID\tSYMBOL\tSIDE\tTYPE\tQTY\tPRICE\tSTATUS\tROLE\tGROUP\tMODS\tPROTECTED\tAGE")
				now := time.Now()
				for _, o := range orders {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
						o.OrderID, o.Symbol, o.Side, o.Type, o.Quantity, o.Price, o.Status,
						o.Role, o.Group, o.ModificationCount, o.Protected,
						time.Duration(o.Age(now)*float64(time.Second)).Truncate(time.Second))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %d order(s)\n", eng.Mode, len(orders))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&where, "where", "w", "", "filter expression")
	cmd.Flags().BoolVarP(&activeOnly, "active", "a", false, "only working orders")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished orders from the local registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				n, err := eng.Registry.Prune(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d order(s) finished more than %s ago\n", n, olderThan)
				return nil
			})
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age since the order finished")
	cmd.AddCommand(prune)
	return cmd
}

func (a *app) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Sync the local registry with the broker's order book",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := engine.New(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer eng.Stop(cmd.Context())

			report, err := eng.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "[%s] imported %d, updated %d, closed %d\n",
				eng.Mode, len(report.Imported), len(report.Updated), len(report.Closed))
			for _, id := range report.Closed {
				fmt.Fprintf(out, "  closed %s\n", id)
			}
			return nil
		},
	}
}

func (a *app) limitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show configured rate limit scopes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SCOPE\tCAPACITY\tWINDOW\tCONSUMED\tQUEUED")
				for _, b := range eng.Limiter.Budgets() {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\n", b.Name, b.Capacity, b.Window, b.Consumed, b.Queued)
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) positionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "positions",
		Aliases: []string{"pos"},
		Short:   "Show net positions at the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				positions, err := eng.Broker.ListPositions(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "INSTRUMENT\tPRODUCT\tQTY\tAVG\tLTP\tP&L")
				for _, p := range positions {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
						models.InstrumentKey(p.Exchange, p.Symbol), p.Product, p.Quantity,
						p.AveragePrice.StringFixed(2), p.LastPrice.StringFixed(2), p.PnL.StringFixed(2))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %d position(s)\n", eng.Mode, len(positions))
				return nil
			})
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the most recent orders, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CREATED\tORDER ID\tSIDE\tQTY\tINSTRUMENT\tPRICE\tSTATUS\tREASON")
				for _, o := range eng.Registry.Recent(limit) {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
						o.CreatedAt.Local().Format("2006-01-02 15:04:05"), o.OrderID, o.Side, o.Quantity,
						models.InstrumentKey(o.Exchange, o.Symbol), o.Price, o.Status, orDash(o.Reason))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of orders to show (0 for all)")
	return cmd
}
