package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/engine"
	"github.com/shaiso/Promptflow/internal/orchestrator"
	"github.com/shaiso/Promptflow/internal/pipeline"
	"github.com/shaiso/Promptflow/internal/report"
	"github.com/shaiso/Promptflow/internal/repo"
	"github.com/shaiso/Promptflow/internal/steps"
	"github.com/shaiso/Promptflow/internal/telemetry"
)

type runOptions struct {
	file            string
	inputs          []string
	capability      string
	dryRun          bool
	pdf             string
	continueOnError bool
	maxConcurrency  int
	record          bool
}

// NewRunCmd создаёт команду run.
func NewRunCmd(env *Env) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [PIPELINE]",
		Short: "Run a pipeline locally",
		Example: `  promptflow run study-material --input topic=photosynthesis
  promptflow run --file my-pipeline.yaml --input text=@article.txt --pdf out.pdf
  promptflow run summary --input topic=go --dry-run
  promptflow run summary --input topic=@https://en.wikipedia.org/wiki/Local_search_(optimization)`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && opts.file == "" {
				return errors.New("pipeline name or --file is required")
			}
			if len(args) == 1 && opts.file != "" {
				return errors.New("pipeline name and --file are mutually exclusive")
			}

			inputs, err := ParseInputs(cmd.Context(), opts.inputs)
			if err != nil {
				return err
			}

			reg, err := env.Registry(opts.capability, opts.dryRun)
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			p, err := resolvePipeline(env, reg, name, opts.file)
			if err != nil {
				return err
			}

			cfg, err := env.Config()
			if err != nil {
				return err
			}
			policy, err := cfg.Executor.Policy()
			if err != nil {
				return err
			}
			if opts.continueOnError {
				policy.FailMode = orchestrator.ContinueOnError
			}
			if cmd.Flags().Changed("max-concurrency") {
				policy.MaxConcurrency = opts.maxConcurrency
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := env.Logger()
			ctx = telemetry.WithLogger(ctx, logger)

			var observers []orchestrator.Observer
			if opts.record {
				pool, err := repo.NewPool(ctx, cfg.Database.URL)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := repo.EnsureSchema(ctx, pool); err != nil {
					return err
				}
				observers = append(observers, repo.NewHistory(pool))
			}

			exec := orchestrator.New(p, orchestrator.Config{
				Policy:    policy,
				Observers: observers,
				Logger:    logger,
			})
			res, runErr := exec.Run(ctx, inputs)

			out := env.Output()
			if res != nil {
				printResult(out, res)
				if opts.pdf != "" && len(res.Outputs) > 0 {
					if err := writePDF(opts.pdf, p.Name(), res); err != nil {
						return err
					}
					out.Success(fmt.Sprintf("PDF written: %s", opts.pdf))
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Pipeline spec file (YAML or JSON)")
	cmd.Flags().StringArrayVarP(&opts.inputs, "input", "i", nil, "Input as KEY=VALUE, KEY=@FILE or KEY=@URL (repeatable)")
	cmd.Flags().StringVar(&opts.capability, "capability", "", "Run every step on this capability (openai, groq, ollama, echo)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Echo rendered prompts instead of calling a model")
	cmd.Flags().StringVar(&opts.pdf, "pdf", "", "Write outputs to a PDF file")
	cmd.Flags().BoolVar(&opts.continueOnError, "continue-on-error", false, "Keep running independent branches after a step fails")
	cmd.Flags().IntVar(&opts.maxConcurrency, "max-concurrency", 0, "Maximum steps in flight (0 = unlimited)")
	cmd.Flags().BoolVar(&opts.record, "record", false, "Record the run in the history database")

	return cmd
}

// resolvePipeline загружает pipeline из файла или каталога.
func resolvePipeline(env *Env, reg *steps.Registry, name, file string) (*pipeline.Pipeline, error) {
	if file != "" {
		cfg, err := env.Config()
		if err != nil {
			return nil, err
		}
		spec, err := engine.ParseSpecFile(file)
		if err != nil {
			return nil, err
		}
		return pipeline.Load(spec, reg, cfg.LoadOptions())
	}
	cat, err := env.Catalog(reg)
	if err != nil {
		return nil, err
	}
	return cat.Pipeline(name)
}

// ParseInputs разбирает флаги --input.
// "KEY=VALUE" — строка, "KEY=@path" — содержимое файла,
// "KEY=@https://..." — текст страницы.
func ParseInputs(ctx context.Context, kvs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}
		if src, isRef := strings.CutPrefix(value, "@"); isRef {
			text, err := readInput(ctx, src)
			if err != nil {
				return nil, fmt.Errorf("input %s: %w", key, err)
			}
			value = text
		}
		inputs[key] = value
	}
	return inputs, nil
}

func readInput(ctx context.Context, src string) (string, error) {
	if isURL(src) {
		return FetchPage(ctx, nil, src)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// runView — JSON представление результата.
type runView struct {
	Run     *domain.Run          `json:"run"`
	Outputs map[string]any       `json:"outputs"`
	Order   []string             `json:"order"`
	Steps   []*domain.StepResult `json:"steps"`
	Calls   []*domain.Call       `json:"calls"`
}

func printResult(out *Output, res *orchestrator.Result) {
	if out.JSONMode() {
		out.JSON(runView{
			Run:     res.Run,
			Outputs: res.Outputs,
			Order:   res.Order,
			Steps:   res.Steps,
			Calls:   res.Calls,
		})
		return
	}

	for _, key := range res.Order {
		out.Section(key, formatOutput(res.Outputs[key]))
	}

	run := res.Run
	out.Success(fmt.Sprintf("run %s %s in %s: %d steps, %d calls",
		run.ID, run.Status, formatDuration(run.Duration()), len(res.Steps), len(res.Calls)))
	for _, s := range res.Steps {
		switch s.Status {
		case domain.StepStatusFailed:
			out.Error(fmt.Sprintf("step %s failed (%s): %s", s.StepID, s.ErrorKind, s.Error))
		case domain.StepStatusSkipped:
			out.Success(fmt.Sprintf("step %s skipped: %s", s.StepID, s.Error))
		}
	}
}

func writePDF(path, title string, res *orchestrator.Result) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	doc := &report.Document{
		Title:    title,
		Subtitle: fmt.Sprintf("run %s | %s", res.Run.ID, res.Run.Status),
		Outputs:  res.Outputs,
		Order:    res.Order,
	}
	if res.Run.FinishedAt != nil {
		doc.Created = *res.Run.FinishedAt
	}
	return report.NewWriter(report.DefaultConfig()).Write(f, doc)
}
