package cli

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/repo"
)

// NewHistoryCmd создаёт группу команд истории runs.
func NewHistoryCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(
		newHistoryListCmd(env),
		newHistoryShowCmd(env),
	)
	return cmd
}

// withPool открывает пул БД на время команды.
func withPool(ctx context.Context, env *Env, fn func(pool *pgxpool.Pool) error) error {
	cfg, err := env.Config()
	if err != nil {
		return err
	}
	pool, err := repo.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(pool)
}

func newHistoryListCmd(env *Env) *cobra.Command {
	var filter repo.RunFilter
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				filter.Status = domain.ParseRunStatus(status)
			}
			return withPool(cmd.Context(), env, func(pool *pgxpool.Pool) error {
				runs, err := repo.NewRunRepo(pool).List(cmd.Context(), filter)
				if err != nil {
					return err
				}

				rows := make([][]string, len(runs))
				for i, r := range runs {
					rows[i] = []string{
						r.ID.String(), r.Pipeline, string(r.Status),
						formatDuration(r.Duration()), formatTime(&r.CreatedAt),
					}
				}
				env.Output().Print([]string{"ID", "PIPELINE", "STATUS", "DURATION", "CREATED"}, rows, runs)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&filter.Pipeline, "pipeline", "", "Filter by pipeline")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, SUCCEEDED, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum number of results")

	return cmd
}

func newHistoryShowCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show run steps and calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), env, func(pool *pgxpool.Pool) error {
				details, err := repo.NewHistory(pool).Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				out := env.Output()
				if out.JSONMode() {
					out.JSON(details)
					return nil
				}

				run := details.Run
				out.Table(
					[]string{"ID", "PIPELINE", "STATUS", "DURATION", "ERROR"},
					[][]string{{run.ID.String(), run.Pipeline, string(run.Status), formatDuration(run.Duration()), run.Error}},
				)
				out.Text("\n")

				stepRows := make([][]string, len(details.Steps))
				for i, s := range details.Steps {
					stepRows[i] = []string{
						s.StepID, s.OutputKey, string(s.Status),
						strconv.Itoa(s.Attempts), strconv.Itoa(s.Calls), s.Error,
					}
				}
				out.Table([]string{"STEP", "OUTPUT", "STATUS", "ATTEMPTS", "CALLS", "ERROR"}, stepRows)
				out.Text("\n")

				callRows := make([][]string, len(details.Calls))
				for i, c := range details.Calls {
					callRows[i] = []string{
						c.ID.String(), c.StepID, strconv.Itoa(c.Attempt), c.Capability, c.Model,
						string(c.Status), strconv.Itoa(c.TokensIn) + "/" + strconv.Itoa(c.TokensOut),
						formatDuration(c.Duration()),
					}
				}
				out.Table([]string{"CALL", "STEP", "ATTEMPT", "CAPABILITY", "MODEL", "STATUS", "TOKENS", "DURATION"}, callRows)

				for _, key := range sortedKeys(run.Outputs) {
					out.Text("\n")
					out.Section(key, formatOutput(run.Outputs[key]))
				}
				return nil
			})
		},
	}
}
