package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazcod/zonesigner"
	"github.com/hazcod/zonesigner/internal/config"
	"github.com/hazcod/zonesigner/internal/httpapi"
	"github.com/hazcod/zonesigner/internal/metrics"
	"github.com/hazcod/zonesigner/internal/notify"
	"github.com/hazcod/zonesigner/internal/observability/logger"
)

var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	var cfgPath string
	root := &cobra.Command{
		Use:           "zonesignerd",
		Short:         "DNSSEC key lifecycle and zone re-signing daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", envOr("ZONESIGNER_CONFIG", "zonesigner.yaml"), "config file (env ZONESIGNER_CONFIG)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		logger.Init(logger.Config{
			Env:         cfg.App.Env,
			Level:       cfg.Log.Level,
			ServiceName: cfg.App.ServiceName,
			Version:     version,
		})
		return cfg, nil
	}

	var pollInterval time.Duration
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Sign every configured zone and keep the signatures fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, pollInterval)
		},
	}
	runCmd.Flags().DurationVar(&pollInterval, "zonefile-poll", 10*time.Second, "how often zone files are checked for changes (0 disables)")

	var all bool
	verifyCmd := &cobra.Command{
		Use:   "verify [zone...]",
		Short: "Verify the signed version of zones, signing a fresh one if none is stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			zones := args
			if all || len(zones) == 0 {
				zones = cfg.Zones
			}
			return verify(cmd.Context(), cfg, zones, cmd.OutOrStdout())
		},
	}
	verifyCmd.Flags().BoolVar(&all, "all", false, "verify every configured zone")

	nextWakeCmd := &cobra.Command{
		Use:   "next-wake [zone...]",
		Short: "Show when each zone needs attention next, without signing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			zones := args
			if len(zones) == 0 {
				zones = cfg.Zones
			}
			return nextWake(cmd.Context(), cfg, zones, cmd.OutOrStdout())
		},
	}

	root.AddCommand(runCmd, verifyCmd, nextWakeCmd)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, pollInterval time.Duration) error {
	log := logger.From(ctx)

	rec := metrics.Recorder{}
	c, err := build(ctx, cfg, zonesigner.WithObserver(rec))
	if err != nil {
		return err
	}
	defer c.Close()
	if err := metrics.Register(prometheus.DefaultRegisterer, c.engine.HashCacheHits); err != nil {
		return err
	}

	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return err
	}
	sched := zonesigner.NewScheduler(c.engine, schedCfg, zonesigner.WithStatusHook(rec.ZoneStatus))
	for _, zone := range cfg.Zones {
		sched.Enable(zone)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(sched, c.applier, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		log.Info("admin API listening", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if pollInterval > 0 {
		g.Go(func() error {
			c.content.Watch(gctx, pollInterval, func(zone string) {
				if err := sched.Trigger(zone, zonesigner.ReasonContent); err != nil {
					log.Warn("content change for unmanaged zone", logger.Zone(zone), logger.Err(err))
				}
			})
			return nil
		})
	}
	if addr := cfg.Notify.Redis.Addr; addr != "" {
		bus := notify.New(addr, cfg.Notify.Redis.DB, cfg.Notify.Redis.Channel)
		defer bus.Close()
		g.Go(func() error { return bus.Watch(gctx, sched) })
	}

	log.Info("zonesignerd started", logger.Count(len(cfg.Zones)), logger.String("version", version))
	return g.Wait()
}

func verify(ctx context.Context, cfg *config.Config, zones []string, out io.Writer) error {
	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	now := time.Now()
	failed := 0
	for _, zone := range zones {
		z, err := c.applier.Current(ctx, zone)
		if err == nil && z == nil {
			var plan *zonesigner.Plan
			if plan, err = c.engine.Decide(ctx, zone); err == nil {
				z = plan.Next
			}
		}
		if err == nil {
			err = zonesigner.Verify(z, now)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s\tFAIL\t%v\n", zone, err)
			continue
		}
		fmt.Fprintf(out, "%s\tOK\tserial=%d denial=%s\n", zone, z.Serial, z.Denial.Mode)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d zones failed verification", failed, len(zones))
	}
	return nil
}

func nextWake(ctx context.Context, cfg *config.Config, zones []string, out io.Writer) error {
	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ZONE\tSERIAL\tPENDING\tNEXT WAKE\tREASON")
	for _, zone := range zones {
		plan, err := c.engine.Decide(ctx, zone)
		if plan == nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t%v\n", zone, err)
			continue
		}
		wake := "-"
		if !plan.NextWake.IsZero() {
			wake = plan.NextWake.Format(time.RFC3339)
		}
		reason := string(plan.WakeReason)
		if err != nil {
			reason = err.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", zone, plan.Serial, len(plan.Updated)+len(plan.Removed), wake, reason)
	}
	return tw.Flush()
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
