package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/repo"
	"github.com/shaiso/Promptflow/internal/scheduler"
)

// NewScheduleCmd создаёт группу команд для расписаний.
// Расписания задаются в конфигурации; команды только показывают их.
func NewScheduleCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect schedules",
	}
	cmd.AddCommand(
		newScheduleListCmd(env),
		newScheduleNextCmd(env),
	)
	return cmd
}

func newScheduleListCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "list [NAME]",
		Short: "List synced schedules and their state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), env, func(pool *pgxpool.Pool) error {
				schedules, err := listSchedules(cmd.Context(), repo.NewScheduleRepo(pool), args)
				if err != nil {
					return err
				}

				rows := make([][]string, len(schedules))
				for i, s := range schedules {
					lastRun := "-"
					if s.LastRunID != nil {
						lastRun = s.LastRunID.String()
					}
					rows[i] = []string{
						s.Name, s.Pipeline, trigger(&s), s.Timezone,
						strconv.FormatBool(s.Enabled), formatTime(s.NextDueAt), lastRun,
					}
				}
				env.Output().Print(
					[]string{"NAME", "PIPELINE", "TRIGGER", "TZ", "ENABLED", "NEXT_DUE", "LAST_RUN"},
					rows, schedules,
				)
				return nil
			})
		},
	}
}

func listSchedules(ctx context.Context, r *repo.ScheduleRepo, args []string) ([]domain.Schedule, error) {
	if len(args) == 0 {
		return r.List(ctx)
	}
	s, err := r.GetByName(ctx, args[0])
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", args[0], err)
	}
	return []domain.Schedule{*s}, nil
}

func newScheduleNextCmd(env *Env) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "next NAME",
		Short: "Preview upcoming due times of a configured schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.Config()
			if err != nil {
				return err
			}

			var sched *domain.Schedule
			for i := range cfg.Schedules {
				if cfg.Schedules[i].Name == args[0] {
					sched = &cfg.Schedules[i]
					break
				}
			}
			if sched == nil {
				return fmt.Errorf("schedule %q not found in config", args[0])
			}

			times, err := UpcomingDue(sched, time.Now(), count)
			if err != nil {
				return err
			}

			rows := make([][]string, len(times))
			for i, t := range times {
				rows[i] = []string{strconv.Itoa(i + 1), t.Format(time.RFC3339), scheduler.IdempotencyKey(&domain.Schedule{Name: sched.Name, NextDueAt: &t})}
			}
			env.Output().Print([]string{"#", "DUE (UTC)", "IDEMPOTENCY_KEY"}, rows, times)
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 5, "Number of due times to show")
	return cmd
}

// UpcomingDue возвращает count ближайших срабатываний после from.
func UpcomingDue(sched *domain.Schedule, from time.Time, count int) ([]time.Time, error) {
	times := make([]time.Time, 0, count)
	next := from
	for range count {
		due, err := scheduler.CalculateNextDue(sched, next)
		if err != nil {
			return nil, err
		}
		times = append(times, due)
		next = due
	}
	return times, nil
}

func trigger(s *domain.Schedule) string {
	if s.IsCron() {
		return s.CronExpr
	}
	if s.IsInterval() {
		return "every " + (time.Duration(s.IntervalSec) * time.Second).String()
	}
	return "-"
}
