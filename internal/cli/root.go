package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/catalog"
	"github.com/shaiso/Promptflow/internal/config"
	"github.com/shaiso/Promptflow/internal/steps"
	"github.com/shaiso/Promptflow/internal/telemetry"
)

// Env — общие зависимости команд: конфигурация, логгер, вывод.
// Значения полей приходят из persistent флагов корневой команды.
type Env struct {
	ConfigPath string
	JSON       bool
	LogLevel   string

	Stdout io.Writer
	Stderr io.Writer

	cfg    *config.Config
	logger *slog.Logger
}

// Config загружает конфигурацию один раз за вызов CLI.
func (e *Env) Config() (*config.Config, error) {
	if e.cfg != nil {
		return e.cfg, nil
	}
	cfg, err := config.Load(e.ConfigPath)
	if err != nil {
		return nil, err
	}
	e.cfg = cfg
	return cfg, nil
}

// Output создаёт Output для команды.
func (e *Env) Output() *Output {
	return NewOutputTo(e.JSON, e.stdout(), e.stderr())
}

// Logger — логгер CLI. Пишет в stderr текстом, чтобы не смешивать логи
// с результатом; уровень по умолчанию WARN, --log-level его меняет.
func (e *Env) Logger() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	level := e.LogLevel
	if level == "" {
		level = "WARN"
	}
	e.logger = telemetry.NewLogger(e.stderr(), level, "text")
	return e.logger
}

// Registry собирает реестр capability.
//
// dryRun — все шаги выполняет echo, сеть не используется.
// name — все шаги выполняет одна capability из конфигурации.
func (e *Env) Registry(name string, dryRun bool) (*steps.Registry, error) {
	if dryRun {
		return steps.SingleRegistry(capability.Echo{}), nil
	}
	cfg, err := e.Config()
	if err != nil {
		return nil, err
	}
	reg, err := config.Registry(cfg, nil)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return reg, nil
	}
	c, err := reg.Get(name)
	if err != nil {
		return nil, err
	}
	return steps.SingleRegistry(c), nil
}

// Catalog создаёт каталог pipeline поверх реестра.
func (e *Env) Catalog(reg *steps.Registry) (*catalog.Catalog, error) {
	cfg, err := e.Config()
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(reg, cfg.LoadOptions())
	if err != nil {
		return nil, err
	}
	if cfg.PipelinesDir != "" {
		if err := cat.LoadDir(cfg.PipelinesDir); err != nil {
			return nil, fmt.Errorf("load %s: %w", cfg.PipelinesDir, err)
		}
	}
	return cat, nil
}

func (e *Env) stdout() io.Writer {
	if e.Stdout != nil {
		return e.Stdout
	}
	return os.Stdout
}

func (e *Env) stderr() io.Writer {
	if e.Stderr != nil {
		return e.Stderr
	}
	return os.Stderr
}

// NewRootCmd создаёт корневую команду promptflow.
func NewRootCmd(version string, env *Env) *cobra.Command {
	root := &cobra.Command{
		Use:           "promptflow",
		Short:         "Promptflow — prompt pipeline runner",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(env.stdout())
	root.SetErr(env.stderr())

	root.PersistentFlags().StringVar(&env.ConfigPath, "config", "", "Config file (default: ./promptflow.yaml)")
	root.PersistentFlags().BoolVar(&env.JSON, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&env.LogLevel, "log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		NewRunCmd(env),
		NewValidateCmd(env),
		NewGraphCmd(env),
		NewListCmd(env),
		NewHistoryCmd(env),
		NewScheduleCmd(env),
		NewRequestCmd(env),
	)
	return root
}
