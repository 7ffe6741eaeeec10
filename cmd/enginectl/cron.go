package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flowengine/core"
	"github.com/flowengine/core/internal/cron"
	"github.com/flowengine/core/internal/model"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage cron schedules",
	}
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronEnableCmd(true))
	cmd.AddCommand(cronEnableCmd(false))
	cmd.AddCommand(cronDeleteCmd())
	cmd.AddCommand(cronHistoryCmd())
	cmd.AddCommand(cronStatsCmd())
	return cmd
}

// openRunner opens a Runner against the config resolved for this command. It
// does not start the background loops; callers that only issue one store
// operation have no use for them.
func openRunner(ctx context.Context, cmd *cobra.Command) (*core.Runner, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return core.NewFromConfig(ctx, cfg)
}

func cronAddCmd() *cobra.Command {
	var workflow, expr, tz, catchup string
	var maxCatchup int
	var enabled bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new cron schedule",
		Long:  `enginectl cron add --workflow=<name> --expr="0 * * * *" [--timezone=UTC] [--catchup=Skip|RunAll] [--max-catchup=N]`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if workflow == "" || expr == "" {
				return fmt.Errorf("cron add: --workflow and --expr are required")
			}
			if tz == "" {
				tz = "UTC"
			}
			policy := model.CatchupPolicy(titleCase(catchup))
			if policy != model.CatchupSkip && policy != model.CatchupRunAll {
				return fmt.Errorf("cron add: --catchup must be Skip or RunAll, got %q", catchup)
			}

			runner, err := openRunner(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer runner.Shutdown() //nolint:errcheck

			next, err := cron.ComputeNext(expr, tz, time.Now())
			if err != nil {
				return fmt.Errorf("cron add: %w", err)
			}

			id, err := runner.AddCronSchedule(cmd.Context(), model.CronSchedule{
				WorkflowName:         workflow,
				CronExpression:       expr,
				Timezone:             tz,
				Enabled:              enabled,
				Catchup:              policy,
				MaxCatchupExecutions: maxCatchup,
				NextRunAt:            next,
			})
			if err != nil {
				return fmt.Errorf("cron add: %w", err)
			}
			fmt.Println(id.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow name to launch")
	cmd.Flags().StringVar(&expr, "expr", "", "cron expression (5-field, or 6-field with seconds)")
	cmd.Flags().StringVar(&tz, "timezone", "UTC", "IANA timezone")
	cmd.Flags().StringVar(&catchup, "catchup", "skip", "Skip or RunAll")
	cmd.Flags().IntVar(&maxCatchup, "max-catchup", 0, "max buffered catchup occurrences (0 = unbounded)")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable the schedule immediately")
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cron schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := openRunner(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer runner.Shutdown() //nolint:errcheck

			schedules, err := runner.ListCronSchedules(cmd.Context())
			if err != nil {
				return err
			}
			for _, sc := range schedules {
				fmt.Printf("%s\t%s\t%s\t%s\tenabled=%t\tnext=%s\n",
					sc.ID, sc.WorkflowName, sc.CronExpression, sc.Timezone, sc.Enabled,
					sc.NextRunAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func cronEnableCmd(enable bool) *cobra.Command {
	use := "enable <schedule-id>"
	short := "Enable a cron schedule"
	if !enable {
		use = "disable <schedule-id>"
		short = "Disable a cron schedule"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid schedule id: %w", err)
			}
			runner, err := openRunner(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer runner.Shutdown() //nolint:errcheck
			return runner.EnableCronSchedule(cmd.Context(), id, enable)
		},
	}
}

func cronDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a cron schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid schedule id: %w", err)
			}
			runner, err := openRunner(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer runner.Shutdown() //nolint:errcheck
			return runner.DeleteCronSchedule(cmd.Context(), id)
		},
	}
}

func cronHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <schedule-id>",
		Short: "Show recent executions for a cron schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid schedule id: %w", err)
			}
			runner, err := openRunner(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer runner.Shutdown() //nolint:errcheck

			executions, err := runner.CronExecutionHistory(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			for _, e := range executions {
				fmt.Printf("%s\tscheduled=%s\tpipeline=%s\tabandoned=%t\tattempts=%d\n",
					e.ID, e.ScheduledTime.Format(time.RFC3339), pipelineIDString(e), e.Abandoned, e.RecoveryAttempts)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows to return (0 = unbounded)")
	return cmd
}

// titleCase maps "skip"/"runall"/"RunAll" etc. onto the CatchupPolicy
// spelling ("Skip", "RunAll") without reaching for the deprecated
// strings.Title.
func titleCase(s string) string {
	s = strings.ToLower(s)
	switch s {
	case "runall", "run-all", "run_all":
		return "RunAll"
	default:
		if s == "" {
			return ""
		}
		return strings.ToUpper(s[:1]) + s[1:]
	}
}

func pipelineIDString(e model.CronExecution) string {
	if e.PipelineExecutionID == nil {
		return "-"
	}
	return e.PipelineExecutionID.String()
}

func cronStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate cron execution stats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := openRunner(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer runner.Shutdown() //nolint:errcheck

			stats, err := runner.CronStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("total=%d successful=%d lost=%d success_rate=%.2f\n",
				stats.Total, stats.Successful, stats.Lost, stats.SuccessRate())
			return nil
		},
	}
}
