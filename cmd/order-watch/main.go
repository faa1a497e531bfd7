package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/httpclient"
	"github.com/Checker-Finance/order-router/internal/rate"
	"github.com/Checker-Finance/order-router/internal/watch"
	"github.com/Checker-Finance/order-router/pkg/config"
	"github.com/Checker-Finance/order-router/pkg/logger"
	"github.com/Checker-Finance/order-router/pkg/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type options struct {
	baseURL     string
	maxAttempts int
	rps         int
	verbose     bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "order-watch",
		Short:         "Submit swap orders to the router and follow their status",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "url", config.GetEnv("BASE_URL", "http://localhost:4000"), "router base URL")
	root.PersistentFlags().IntVar(&opts.maxAttempts, "max-attempts", config.GetEnvInt("ORDER_MAX_ATTEMPTS", 3), "server retry limit, decides when a failure is final")
	root.PersistentFlags().IntVar(&opts.rps, "rps", 20, "client side request rate limit")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newSubmitCmd(opts), newFollowCmd(opts), newVerifyCmd(opts))
	return root
}

func (o *options) client() (*watch.Client, error) {
	level := "warn"
	if o.verbose {
		level = "debug"
	}
	logger.Init("order-watch", "dev", level, "cli")
	log := logger.L()

	limits := rate.NewManager(rate.Config{RequestsPerSecond: o.rps, Burst: o.rps})
	exec := httpclient.New(log, limits, &http.Client{Timeout: 10 * time.Second}, 2, "watch")
	return watch.New(o.baseURL, exec, o.maxAttempts, log)
}

func orderFlags(cmd *cobra.Command, req *model.SubmitRequest) {
	cmd.Flags().StringVar(&req.TokenIn, "in", "SOL", "input token")
	cmd.Flags().StringVar(&req.TokenOut, "out", "USDC", "output token")
	cmd.Flags().Float64Var(&req.Amount, "amount", 1.5, "input amount")
	cmd.Flags().StringVar(&req.Wallet, "wallet", "", "wallet address")
}

func newSubmitCmd(opts *options) *cobra.Command {
	var req model.SubmitRequest
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one order and stream its status until it settles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			acc, err := c.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %s\n", acc.OrderID)
			return follow(cmd, c, acc.OrderID)
		},
	}
	orderFlags(cmd, &req)
	return cmd
}

func newFollowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "follow ORDER_ID",
		Short: "Stream the status of an existing order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			return follow(cmd, c, args[0])
		},
	}
}

func follow(cmd *cobra.Command, c *watch.Client, orderID string) error {
	out := cmd.OutOrStdout()
	start := time.Now()
	events, err := c.Watch(cmd.Context(), orderID, func(ev model.StatusEvent) {
		fmt.Fprintf(out, "[%6.2fs] %-9s %s\n", time.Since(start).Seconds(), ev.Status, string(ev.Detail))
	})
	if err != nil {
		return err
	}
	watch.Summarize(events).Print(out)
	return nil
}

func newVerifyCmd(opts *options) *cobra.Command {
	var (
		req      model.SubmitRequest
		count    int
		parallel int
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Submit a batch of orders and report how they were routed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			reqs := make([]model.SubmitRequest, count)
			for i := range reqs {
				reqs[i] = req
				reqs[i].Amount = req.Amount * float64(i+1)
			}
			tally, err := c.Verify(cmd.Context(), reqs, parallel)
			if tally != nil {
				tally.Print(cmd.OutOrStdout())
			}
			if err != nil {
				logger.L().Warn("watch.verify_incomplete", zap.Error(err))
			}
			return err
		},
	}
	orderFlags(cmd, &req)
	cmd.Flags().IntVarP(&count, "count", "n", 5, "orders to submit")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 5, "orders in flight at once")
	return cmd
}
