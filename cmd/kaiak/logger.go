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

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kadirpekel/kaiak/pkg/config"
	"github.com/kadirpekel/kaiak/pkg/logger"
)

// DefaultLogFormat is the default log format
const DefaultLogFormat = logger.FormatSimple

// initLoggerFromCLI initializes the logger from CLI flags, which kong
// already merged with their environment variables.
// Returns the cleanup function of the log file, if any.
func initLoggerFromCLI(cliLogLevel, cliLogFile, cliLogFormat string) (func(), error) {
	if cliLogFormat == "" {
		cliLogFormat = DefaultLogFormat
	}
	return initLogger(cliLogLevel, cliLogFile, cliLogFormat)
}

// initLoggerFromConfig re-initializes the logger from the config file's
// logger section. Settings given on the command line win.
func initLoggerFromConfig(cli *CLI, cfg *config.LoggerConfig) (func(), error) {
	if cfg == nil {
		return nil, nil
	}
	level, file, format := cfg.Level, cfg.File, cfg.Format
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	if cli.LogFile != "" {
		file = cli.LogFile
	}
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	if level == cli.LogLevel && file == cli.LogFile && format == cli.LogFormat {
		return nil, nil
	}
	return initLogger(level, file, format)
}

func initLogger(levelStr, file, format string) (func(), error) {
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var output io.Writer = os.Stderr
	var cleanup func()
	if file != "" {
		f, cleanupFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = cleanupFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}
