/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lordkingpriest/problemsolver"
	"github.com/lordkingpriest/problemsolver/config"
	"github.com/lordkingpriest/problemsolver/database"
	"github.com/lordkingpriest/problemsolver/internal/notification"
)

// CLI is the root Cobra command of the application.
type CLI struct {
	cmd *cobra.Command
}

// serviceInstance holds the initialized service and its configuration,
// shared by every subcommand.
type serviceInstance struct {
	service *problemsolver.Problemsolver
	cnf     *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and wires the service before any
// subcommand runs.
func preRun(app *serviceInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("problemsolver.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		service, err := setupService(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.service = service
		app.cnf = cnf

		return nil
	}
}

func setupService(cfg *config.Configuration) (*problemsolver.Problemsolver, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	service, err := problemsolver.NewProblemsolver(db)
	if err != nil {
		return nil, fmt.Errorf("error creating service: %v", err)
	}
	return service, nil
}

func NewCLI() *CLI {
	var configFile string
	b := &serviceInstance{}

	var rootCmd = &cobra.Command{
		Use:   "problemsolver",
		Short: "Deposit reconciliation and crediting service",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./problemsolver.json", "Configuration file for the service")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(pollerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))

	return &CLI{cmd: rootCmd}
}

func (w CLI) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
