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

package provenance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TokenVersion is the current provenance token payload version.
const TokenVersion = 1

// TokenPayload is the signed content of a provenance token. The token
// carries only a reference to the metadata, which lives in the shared
// cache under prov:meta:{tenant_id}:{metadata_ref}.
type TokenPayload struct {
	Version     int    `json:"version"`
	TenantID    string `json:"tenant_id"`
	ExecutionID string `json:"execution_id"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
	ValueDigest string `json:"value_digest"`
	MetadataRef string `json:"metadata_ref"`
}

var (
	ErrTokenMalformed = errors.New("provenance token malformed")
	ErrTokenSignature = errors.New("provenance token signature mismatch")
	ErrTokenExpired   = errors.New("provenance token expired")
	ErrTokenTenant    = errors.New("provenance token tenant mismatch")
)

// SignToken issues a provenance token:
// base64url(payload) "." base64url(HMAC_SHA256(secret, payload)).
func SignToken(secret []byte, payload TokenPayload) (string, error) {
	payload.Version = TokenVersion
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode token payload: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(raw) + "." + enc.EncodeToString(mac.Sum(nil)), nil
}

// VerifyToken checks signature, tenant binding and expiry, returning the
// payload. Signature comparison is constant-time.
func VerifyToken(secret []byte, token, tenantID string, now time.Time) (*TokenPayload, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, ErrTokenMalformed
	}
	enc := base64.RawURLEncoding
	raw, err := enc.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrTokenSignature
	}

	var payload TokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrTokenMalformed
	}
	if payload.Version != TokenVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrTokenMalformed, payload.Version)
	}
	if now.Unix() >= payload.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if payload.TenantID != tenantID {
		return nil, ErrTokenTenant
	}
	return &payload, nil
}
