/*
Copyright 2025 Fabrik Authors.

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

	"github.com/fabrikhq/fabrik"
	"github.com/fabrikhq/fabrik/config"
	"github.com/fabrikhq/fabrik/database"
	"github.com/fabrikhq/fabrik/internal/notification"
)

// Fabrik represents the CLI application, encapsulating the root Cobra command.
type Fabrik struct {
	cmd *cobra.Command
}

// fabrikInstance holds the Fabrik instance and its configuration.
// This is used to store the runtime instance and configuration globally within the application.
type fabrikInstance struct {
	fabrik *fabrik.Fabrik
	cnf    *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the Fabrik instance before running any command.
func preRun(app *fabrikInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("fabrik.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newFabrik, err := setupFabrik(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.fabrik = newFabrik
		app.cnf = cnf

		return nil
	}
}

// setupFabrik creates and initializes a new Fabrik instance based on the provided configuration.
// It connects to the data source using the configuration settings.
func setupFabrik(cfg *config.Configuration) (*fabrik.Fabrik, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newFabrik, err := fabrik.NewFabrik(db)
	if err != nil {
		return nil, fmt.Errorf("error creating fabrik: %v", err)
	}
	return newFabrik, nil
}

// NewCLI creates the command-line interface (CLI) for the Fabrik application.
// It sets up the root command and the server and worker subcommands.
func NewCLI() *Fabrik {
	var configFile string
	b := &fabrikInstance{}

	var rootCmd = &cobra.Command{
		Use:   "fabrik",
		Short: "Order fulfillment pipeline engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./fabrik.json", "Configuration file for the pipeline engine")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))

	return &Fabrik{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Fabrik) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// main is the entry point for the application.
func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
