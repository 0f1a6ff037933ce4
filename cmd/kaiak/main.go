// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command kaiak serves the kaiak JSON-RPC protocol to IDE clients.
//
// Usage:
//
//	kaiak serve
//	kaiak serve --config kaiak.yaml --watch
//	kaiak serve --transport socket --socket-path /tmp/kaiak.sock
//	kaiak validate kaiak.yaml
//	kaiak schema generate_fix
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/kaiak"
	"github.com/kadirpekel/kaiak/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the JSON-RPC server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the config file or a method's params."`

	Config    string `short:"c" help:"Config file path, or the key/znode holding the config for remote providers."`
	LogLevel  string `help:"Log level (debug, info, warn, error)." env:"KAIAK_LOG_LEVEL"`
	LogFile   string `help:"Log file path (empty = stderr)." env:"KAIAK_LOG_FILE"`
	LogFormat string `help:"Log format (simple, verbose, json)." env:"KAIAK_LOG_FORMAT"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(kaiak.GetVersion().String())
	return nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("kaiak"),
		kong.Description("kaiak - JSON-RPC bridge between IDE clients and a code-fixing agent"),
		kong.UsageOnError(),
	)

	// Config file logger settings are applied later when no flag or env
	// var overrides them.
	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
