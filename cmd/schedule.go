package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/ingest"
	"github.com/govbrief/opptrack/internal/monitoring"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run sync cycles on a cron schedule",
	Long: `Runs intelligent sync cycles on the configured cron spec until
interrupted. Each tick only runs sources whose minimum interval has
elapsed, so a tight spec is cheap.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		log := zap.L().With(zap.String("command", "schedule"))

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		env.Cache.StartSweeper(ctx, time.Duration(cfg.Cache.SweepMinutes)*time.Minute)
		checker := monitoring.NewChecker(env.Collector, env.Alerter, cfg.Monitoring)
		go checker.Run(ctx)

		c := cron.New(cron.WithLocation(time.UTC))
		_, err = c.AddFunc(cfg.Schedule.CycleSpec, func() {
			result, err := env.Engine.RunCycle(ctx, ingest.ModeIntelligent, nil)
			if err != nil {
				if eris.Is(err, ingest.ErrCycleInProgress) {
					log.Info("tick skipped, previous cycle still running")
					return
				}
				log.Error("scheduled cycle failed", zap.Error(err))
				return
			}
			log.Info("scheduled cycle complete",
				zap.Int("completed", result.Completed),
				zap.Int("failed", result.Failed),
				zap.Int("skipped", result.Skipped),
			)
		})
		if err != nil {
			return eris.Wrapf(err, "schedule: invalid cron spec %q", cfg.Schedule.CycleSpec)
		}

		log.Info("scheduler started", zap.String("spec", cfg.Schedule.CycleSpec))
		c.Start()

		<-ctx.Done()
		log.Info("scheduler stopping")
		<-c.Stop().Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
