package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codemug/certgate/pkg/api"
	"github.com/codemug/certgate/pkg/config"
	"github.com/codemug/certgate/pkg/delivery"
	"github.com/codemug/certgate/pkg/executor"
	"github.com/codemug/certgate/pkg/gate"
	"github.com/codemug/certgate/pkg/jobs"
	"github.com/codemug/certgate/pkg/metrics"
	"github.com/codemug/certgate/pkg/queue"
	"github.com/codemug/certgate/pkg/ratelimit"
	"github.com/codemug/certgate/pkg/retention"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// staleWindows is how many rate windows are kept before the sweep drops them.
const staleWindows = 5

var cfgFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	defaults := config.Defaults()

	cmd := &cobra.Command{
		Use:   "certgate",
		Short: "Admission-controlled certificate generation service",
		Long: `certgate accepts certificate generation requests over HTTP, runs the
generator script with bounded concurrency, queues the overflow and serves
the results as zip archives.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// glog reads its settings from the standard flag set.
			flag.CommandLine.Parse([]string{})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			c, err := config.Load(v, cfgFile)
			if err != nil {
				glog.Error(err)
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	flags.String("hostname", defaults.Hostname, "hostname to listen on")
	flags.Int("port", defaults.Port, "port to listen on")
	flags.String("dir", defaults.Dir, "location to store job directories")
	flags.String("script", defaults.Script, "certificate generator script")
	flags.String("interpreter", defaults.Interpreter, "interpreter used to run the generator script")
	flags.Int("max-concurrent", defaults.MaxConcurrent, "maximum number of jobs running at once")
	flags.Int("rate-limit", defaults.RateLimit, "generation requests allowed per client per window")
	flags.Duration("queue-timeout", defaults.QueueTimeout, "how long a job may wait in the queue")
	flags.Duration("exec-timeout", defaults.ExecTimeout, "how long a single generator run may take")
	flags.Duration("retention-age", defaults.RetentionAge, "age after which job directories are deleted")
	flags.Duration("rate-window", defaults.RateWindow, "length of one rate limit window")
	flags.Int("max-job-dirs", defaults.MaxJobDirs, "job directories on disk above which new work is refused")
	flags.Int("max-output-bytes", defaults.MaxOutputBytes, "combined stdout and stderr a generator run may produce")
	flags.Int("accept-queue-threshold", defaults.AcceptQueueThreshold, "queue length from which the status endpoint reports not accepting")
	flags.Duration("retention-interval", defaults.RetentionInterval, "time between retention sweeps")
	flags.Duration("grace-delay", defaults.GraceDelay, "time a delivered job directory is kept for retries")
	flags.Duration("shutdown-timeout", defaults.ShutdownTimeout, "time running jobs get to finish on shutdown")
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	return cmd
}

// bindFlags binds every flag except --config to the config key of the same
// name with dashes replaced by underscores.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || flag.CommandLine.Lookup(f.Name) != nil {
			return
		}
		if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil {
			errs = append(errs, fmt.Errorf("failed to bind flag --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func serve(ctx context.Context, c config.Config) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create job root %s: %w", c.Dir, err)
	}

	tracker := jobs.NewTracker()
	defer tracker.Stop()
	ledger := jobs.NewLedger(c.Dir)
	dirs := gate.Gate{Root: c.Dir, Ceiling: c.MaxJobDirs}
	limiter := ratelimit.NewLimiter(c.RateLimit, c.RateWindow)

	generator := &executor.Executor{
		Root:        c.Dir,
		Script:      c.Script,
		Interpreter: c.Interpreter,
		Timeout:     c.ExecTimeout,
		MaxOutput:   c.MaxOutputBytes,
		Tracker:     tracker,
	}

	var q *queue.Queue
	m := metrics.New(func() queue.Stats { return q.Stats() }, dirs.Count)
	q = queue.New(queue.Config{
		MaxConcurrent:   c.MaxConcurrent,
		WaitTimeout:     c.QueueTimeout,
		InitialEstimate: 2 * time.Second,
	}, generator, ledger, m)

	deliverer := &delivery.Deliverer{Root: c.Dir, Tracker: tracker, Grace: c.GraceDelay, OnCleanup: m.GraceCleanup}

	sweeper := retention.NewManager(retention.Config{
		Root:     c.Dir,
		MaxAge:   c.RetentionAge,
		Interval: c.RetentionInterval,
	}, tracker,
		func() int { return limiter.Prune(staleWindows) },
		func() int { return ledger.Prune(c.RetentionAge) },
	)
	sweeper.OnSweep(m.RetentionSwept)

	router := api.GetRouter(&api.Server{
		Limiter:         limiter,
		Gate:            dirs,
		Queue:           q,
		Ledger:          ledger,
		Deliverer:       deliverer,
		Metrics:         m,
		AcceptThreshold: c.AcceptQueueThreshold,
	})
	server := &http.Server{
		Addr:              c.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	glog.Infof("certgate starting: dir=%s script=%s slots=%d rate=%d/%s queue timeout=%s",
		c.Dir, c.Script, c.MaxConcurrent, c.RateLimit, c.RateWindow, c.QueueTimeout)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		glog.Infof("starting HTTP listener at %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return sweeper.Run(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		glog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if qerr := q.Shutdown(shutdownCtx); qerr != nil {
			glog.Warningf("queue did not drain: %v", qerr)
		}
		return err
	})

	err := group.Wait()
	glog.Flush()
	return err
}
