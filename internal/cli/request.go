package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/mq"
	"github.com/shaiso/Promptflow/internal/steps"
)

// NewRequestCmd создаёт команду request: run выполнит worker.
func NewRequestCmd(env *Env) *cobra.Command {
	var inputs []string
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "request PIPELINE",
		Short: "Queue a run for the workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := ParseInputs(cmd.Context(), inputs)
			if err != nil {
				return err
			}

			// неизвестный pipeline лучше отклонить до публикации
			cat, err := env.Catalog(steps.SingleRegistry(capability.Echo{}))
			if err != nil {
				return err
			}
			if !cat.Has(args[0]) {
				return fmt.Errorf("pipeline %q not found", args[0])
			}

			cfg, err := env.Config()
			if err != nil {
				return err
			}
			logger := env.Logger()

			conn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := mq.SetupTopology(cmd.Context(), conn); err != nil {
				return err
			}

			payload := mq.RunRequestedPayload{
				RunID:          uuid.New(),
				Pipeline:       args[0],
				Inputs:         in,
				IdempotencyKey: idempotencyKey,
			}
			if err := mq.NewPublisher(conn, logger).PublishRunRequested(cmd.Context(), payload); err != nil {
				return err
			}

			out := env.Output()
			out.Success(fmt.Sprintf("Run requested: %s", payload.RunID))
			out.Print([]string{"RUN_ID", "PIPELINE", "IDEMPOTENCY_KEY"},
				[][]string{{payload.RunID.String(), payload.Pipeline, payload.IdempotencyKey}}, payload)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Input as KEY=VALUE or KEY=@FILE (repeatable)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Deduplicate repeated requests")
	return cmd
}
