// Serial CLI — инструмент оператора для управления расписаниями
// выпуска эпизодов через HTTP API.
//
// Использование:
//
//	serial [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	story     Регистрация историй
//	schedule  Управление расписаниями
//	health    Состояние планировщика
//	job       Ручной повтор заданий
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Serial/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool
	var utc bool

	rootCmd := &cobra.Command{
		Use:           "serial",
		Short:         "Serial CLI — serialized episode release scheduler",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("SERIAL_API_URL"); v != "" {
		defaultURL = v
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&utc, "utc", false, "Show times in UTC instead of local time")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output {
		if utc {
			return cli.NewOutput(jsonOutput, time.UTC)
		}
		return cli.NewOutput(jsonOutput, nil)
	}

	rootCmd.AddCommand(
		cli.NewStoryCmd(clientFn, outputFn),
		cli.NewScheduleCmd(clientFn, outputFn),
		cli.NewHealthCmd(clientFn, outputFn),
		cli.NewJobCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(outputFn().Fail(err))
	}
}
