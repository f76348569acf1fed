// Promptflow CLI — запуск pipeline локально и работа с историей и очередью.
//
// Использование:
//
//	promptflow [--config FILE] [--json] [--log-level LEVEL] <command> [flags]
//
// Команды:
//
//	run       Выполнить pipeline
//	validate  Проверить спецификации
//	graph     Показать граф шагов
//	list      Pipeline каталога
//	history   Записанные runs
//	schedule  Расписания
//	request   Поставить run в очередь worker'ов
package main

import (
	"fmt"
	"os"

	"github.com/shaiso/Promptflow/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	root := cli.NewRootCmd(version, &cli.Env{})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
