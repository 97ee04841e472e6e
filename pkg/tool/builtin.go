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

package tool

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// BuiltinSource provides the resident api.util.* helpers. All of them are
// deterministic, so replaying an execution re-derives identical values and
// snapshots can memoize them safely.
type BuiltinSource struct {
	name string
}

var _ Source = (*BuiltinSource)(nil)

// NewBuiltinSource creates the built-in source under the given group name.
func NewBuiltinSource(name string) *BuiltinSource {
	if name == "" {
		name = "util"
	}
	return &BuiltinSource{name: name}
}

func (s *BuiltinSource) Name() string { return s.name }

type encodeInput struct {
	Value string `json:"value" jsonschema:"title=Value,description=The string to encode"`
}

type decodeInput struct {
	Value string `json:"value" jsonschema:"title=Value,description=The base64 string to decode"`
}

type digestInput struct {
	Value string `json:"value" jsonschema:"title=Value,description=The string to digest"`
}

// Tools lists the built-in helpers with schemas reflected from their input
// structs.
func (s *BuiltinSource) Tools(context.Context) ([]ServerTool, error) {
	readOnly := Metadata{OperationType: OperationRead, Sensitivity: SensitivityPublic}
	return []ServerTool{
		{
			Namespace:   s.name,
			Name:        "base64_encode",
			Description: "Encode a string as base64",
			InputSchema: reflectSchema(&encodeInput{}),
			Metadata:    readOnly,
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				value, err := stringArg(args, "value")
				if err != nil {
					return nil, err
				}
				return base64.StdEncoding.EncodeToString([]byte(value)), nil
			},
		},
		{
			Namespace:   s.name,
			Name:        "base64_decode",
			Description: "Decode a base64 string",
			InputSchema: reflectSchema(&decodeInput{}),
			Metadata:    readOnly,
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				value, err := stringArg(args, "value")
				if err != nil {
					return nil, err
				}
				decoded, err := base64.StdEncoding.DecodeString(value)
				if err != nil {
					return nil, fmt.Errorf("invalid base64 input: %w", err)
				}
				return string(decoded), nil
			},
		},
		{
			Namespace:   s.name,
			Name:        "digest",
			Description: "SHA-256 digest of a string, hex encoded",
			InputSchema: reflectSchema(&digestInput{}),
			Metadata:    readOnly,
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				value, err := stringArg(args, "value")
				if err != nil {
					return nil, err
				}
				sum := sha256.Sum256([]byte(value))
				return hex.EncodeToString(sum[:]), nil
			},
		},
	}, nil
}

func (s *BuiltinSource) Close() error { return nil }

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return str, nil
}

// reflectSchema derives a JSON schema map from an input struct.
func reflectSchema(v any) map[string]any {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
