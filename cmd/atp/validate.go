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

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/atp/pkg/config"
)

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`

	// PrintConfig prints the expanded configuration with defaults applied
	// and environment variables resolved.
	PrintConfig bool `short:"p" name:"print-config" help:"Print the expanded configuration."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Printf("✅ %s is valid\n", c.Config)

	if c.PrintConfig {
		// Secrets never reach stdout.
		printable := *cfg
		printable.Session.Secret = redact(cfg.Session.Secret)
		printable.Provenance.Secret = redact(cfg.Provenance.Secret)

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		if err := enc.Encode(&printable); err != nil {
			return fmt.Errorf("failed to render configuration: %w", err)
		}
	}
	return nil
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "<redacted>"
}
