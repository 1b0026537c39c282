package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gregtusar/kiteexec/pkg/engine"
	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/spf13/cobra"
)

// jobFlags are shared by scale, chase and swarm.
type jobFlags struct {
	exchange, product, strategy string
	quantity                    int
}

func (j *jobFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVarP(&j.quantity, "quantity", "q", 0, "total quantity")
	f.StringVar(&j.exchange, "exchange", "", "exchange (default from config)")
	f.StringVar(&j.product, "product", "", "product (default from config)")
	f.StringVar(&j.strategy, "strategy", "", "strategy id recorded on every child order")
	_ = cmd.MarkFlagRequired("quantity")
}

func (j *jobFlags) params(side, symbol string) models.JobParams {
	return models.JobParams{
		Side:       models.OrderSide(strings.ToUpper(side)),
		Symbol:     strings.ToUpper(symbol),
		Exchange:   strings.ToUpper(j.exchange),
		Product:    j.product,
		StrategyID: j.strategy,
		Quantity:   j.quantity,
	}
}

// runJob starts a job and follows it to the end. An interrupt cancels the job
// and its working child orders.
func (a *app) runJob(cmd *cobra.Command, typ models.JobType, params models.JobParams) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	out := cmd.OutOrStdout()

	return a.withEngine(ctx, true, func(eng *engine.Engine) error {
		job, err := eng.Jobs.Start(ctx, typ, params)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "[%s] started %s %s %s %d\n", eng.Mode, job.JobID, job.Params.Side, job.Params.Symbol, job.Params.Quantity)

		final, err := eng.Jobs.Wait(ctx, job.JobID)
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, "interrupted, cancelling job")
			cancelCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			final, err = eng.Jobs.Cancel(cancelCtx, job.JobID)
		}
		if err != nil {
			return err
		}
		printJob(out, eng, final)
		if final.State == models.JobStateFailed {
			return fmt.Errorf("job %s failed: %s", final.JobID, final.Error)
		}
		return nil
	})
}

func printJob(w io.Writer, eng *engine.Engine, job *models.AlgoJob) {
	line := fmt.Sprintf("[%s] %s %s", eng.Mode, job.JobID, job.State)
	if job.Error != "" {
		line += ": " + job.Error
	}
	fmt.Fprintln(w, line)
	for _, id := range job.ChildOrderIDs {
		o, err := eng.Registry.Get(id)
		if err != nil {
			fmt.Fprintf(w, "  %s: unknown\n", id)
			continue
		}
		fmt.Fprintf(w, "  %s %s %d @ %s: %s (mods %d)\n", o.OrderID, o.Side, o.Quantity, o.Price, o.Status, o.ModificationCount)
	}
}

func (a *app) scaleCmd() *cobra.Command {
	var jf jobFlags
	var count int
	var start, end string
	cmd := &cobra.Command{
		Use:   "scale BUY|SELL SYMBOL",
		Short: "Spread a limit ladder evenly between two prices",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := jf.params(args[0], args[1])
			p.Count = count
			var err error
			if p.StartPrice, err = parseDecimal("start", start); err != nil {
				return err
			}
			if p.EndPrice, err = parseDecimal("end", end); err != nil {
				return err
			}
			return a.runJob(cmd, models.JobTypeScale, p)
		},
	}
	jf.bind(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of legs")
	cmd.Flags().StringVar(&start, "start", "", "first leg price")
	cmd.Flags().StringVar(&end, "end", "", "last leg price")
	return cmd
}

func (a *app) chaseCmd() *cobra.Command {
	var jf jobFlags
	var maxMoves int
	var price, tick, limit string
	cmd := &cobra.Command{
		Use:   "chase BUY|SELL SYMBOL",
		Short: "Work a limit order toward the market one tick at a time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := jf.params(args[0], args[1])
			p.MaxMoves = maxMoves
			var err error
			if p.InitialPrice, err = parseDecimal("price", price); err != nil {
				return err
			}
			if p.TickSize, err = parseDecimal("tick", tick); err != nil {
				return err
			}
			if p.LimitPrice, err = parseDecimal("limit", limit); err != nil {
				return err
			}
			return a.runJob(cmd, models.JobTypeChase, p)
		},
	}
	jf.bind(cmd)
	f := cmd.Flags()
	f.IntVar(&maxMoves, "max-moves", 10, "number of price moves before leaving the order resting")
	f.StringVarP(&price, "price", "p", "", "starting price (default last traded price)")
	f.StringVar(&tick, "tick", "", "price step (default from config)")
	f.StringVar(&limit, "limit", "", "never move beyond this price")
	return cmd
}

func (a *app) swarmCmd() *cobra.Command {
	var jf jobFlags
	var count int
	var irregular bool
	var price string
	cmd := &cobra.Command{
		Use:   "swarm BUY|SELL SYMBOL",
		Short: "Split a quantity into many small child orders",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := jf.params(args[0], args[1])
			p.Count = count
			p.Irregular = irregular
			var err error
			if p.Price, err = parseDecimal("price", price); err != nil {
				return err
			}
			return a.runJob(cmd, models.JobTypeSwarm, p)
		},
	}
	jf.bind(cmd)
	f := cmd.Flags()
	f.IntVarP(&count, "count", "n", 0, "number of child orders")
	f.BoolVar(&irregular, "irregular", false, "randomise child sizes")
	f.StringVarP(&price, "price", "p", "", "limit price for every child; omit for market orders")
	return cmd
}

func (a *app) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recorded execution jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "JOB ID\tTYPE\tSYMBOL\tSIDE\tQTY\tSTATE\tCHILDREN\tCREATED\tERROR")
				for _, j := range eng.Jobs.List() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
						j.JobID, j.Type, j.Params.Symbol, j.Params.Side, j.Params.Quantity, j.State,
						len(j.ChildOrderIDs), j.CreatedAt.Local().Format(time.DateTime), j.Error)
				}
				return tw.Flush()
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show a job and its child orders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				job, err := eng.Jobs.Status(args[0])
				if err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), eng, job)
				return nil
			})
		},
	})
	return cmd
}
