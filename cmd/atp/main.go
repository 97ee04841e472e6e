// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command atp runs the ATP server.
//
// Usage:
//
//	atp serve --config atp.yaml
//	atp validate atp.yaml
//	atp version
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	atp "github.com/kadirpekel/atp"
	"github.com/kadirpekel/atp/pkg/config"
	"github.com/kadirpekel/atp/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the ATP server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(atp.GetVersion().String())
	return nil
}

// initLogger initializes the logger from CLI flags and environment
// variables. Priority: CLI flags > env vars > defaults.
func initLogger(cli *CLI) (func(), error) {
	level := cli.LogLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	slogLevel, err := logger.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	path := cli.LogFile
	if path == "" {
		path = os.Getenv("LOG_FILE")
	}
	output := os.Stderr
	cleanup := func() {}
	if path != "" {
		file, closeFile, err := logger.OpenLogFile(path)
		if err != nil {
			return nil, err
		}
		output = file
		cleanup = closeFile
	}

	format := cli.LogFormat
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	if format == "" {
		format = "simple"
	}

	logger.Init(slogLevel, output, format)
	return cleanup, nil
}

func main() {
	_ = config.LoadDotEnv("")

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("atp"),
		kong.Description("ATP - pausable execution engine for agent-authored programs"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
