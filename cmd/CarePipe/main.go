package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CarePipe/internal/config"
	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/program"
	"github.com/BTreeMap/CarePipe/internal/reminder"
	"github.com/BTreeMap/CarePipe/internal/schedule"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "CarePipe",
		Short:        "Care-program reminder engine and inbound message analysis",
		SilenceUsage: true,
	}
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(rolloverCmd())
	rootCmd.AddCommand(templateCmd())
	return rootCmd
}

// loadRuntime loads configuration from the command's flags and builds the logger.
func loadRuntime(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level, logger.WithRedaction(cfg.Logging.Redact))
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	log.Debug("Final configuration",
		"state_dir", cfg.StateDir,
		"dsn_type", storeKind(cfg.DatabaseURL),
		"api_addr", cfg.APIAddr,
		"transport", cfg.Messaging.Transport,
		"redis_set", cfg.Redis.Addr != "",
		"openai_key_set", cfg.OpenAI.APIKey != "")
	return cfg, log, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sweeper, analysis workers, outbox and webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			log.Info("Bootstrapping CarePipe with configured modules")
			if err := runServe(ctx, cfg, log); err != nil {
				log.Error("CarePipe failed to run", "error", err)
				return err
			}
			log.Info("CarePipe exited successfully")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reminder sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, "sweep", (*reminder.Sweeper).Sweep)
		},
	}
}

func rolloverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Close the previous program days and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, "rollover", (*reminder.Sweeper).Rollover)
		},
	}
}

type sweepFunc func(*reminder.Sweeper, context.Context) (reminder.SweepReport, error)

func runOnce(cmd *cobra.Command, name string, fn sweepFunc) error {
	cfg, log, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := fn(a.sweeper, ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, formatReport(rep))
	return nil
}

func formatReport(r reminder.SweepReport) string {
	return fmt.Sprintf("instances=%d locked=%d sent=%d satisfied=%d missed=%d tasks=%d completed=%d failures=%d",
		r.Instances, r.Locked, r.Sent, r.Satisfied, r.Missed, r.TasksOpened, r.Completed, r.Failures)
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Program template tools",
	}

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a program template JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			tpl, err := schedule.ParseTemplate(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "template %q is valid: %d days, %d activities\n",
				tpl.Name, tpl.DurationDays, countActivities(tpl.Schedule))
			return nil
		},
	}

	publishCmd := &cobra.Command{
		Use:   "publish <file>",
		Short: "Store a program template file as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			cfg, log, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()
			if err := ensureDirectoriesExist(cfg); err != nil {
				return err
			}
			backend, err := openBackend(cfg, log)
			if err != nil {
				return err
			}
			defer backend.Close()

			svc := program.NewService(backend, program.WithLogger(log))
			tpl, err := svc.PublishTemplate(cmd.Context(), data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published template %s version %d\n", tpl.ID, tpl.Version)
			return nil
		},
	}

	cmd.AddCommand(validateCmd, publishCmd)
	return cmd
}

func countActivities(days []models.TemplateDay) int {
	n := 0
	for _, d := range days {
		n += len(d.Activities)
	}
	return n
}
