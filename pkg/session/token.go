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

package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var (
	// ErrUnauthenticated reports a missing, malformed or expired token.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden reports a valid token bound to a different tenant.
	ErrForbidden = errors.New("forbidden")
)

// tokenIssuer mints and verifies the sliding-window bearer tokens. Tokens
// are HS256-signed JWTs carrying {tenant_id, iat, exp}; the secret is
// process-wide configuration, minimum 32 bytes.
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newTokenIssuer(secret []byte, ttl time.Duration) *tokenIssuer {
	return &tokenIssuer{secret: secret, ttl: ttl, now: time.Now}
}

// Issue mints a fresh token for the tenant, expiring TTL from now.
func (i *tokenIssuer) Issue(tenantID string) (token string, expiresAt time.Time, err error) {
	now := i.now()
	expiresAt = now.Add(i.ttl)

	tok, err := jwt.NewBuilder().
		IssuedAt(now).
		Expiration(expiresAt).
		Claim("tenant_id", tenantID).
		Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, i.secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), expiresAt, nil
}

// Verify validates the token and returns its tenant binding.
func (i *tokenIssuer) Verify(token string) (string, error) {
	tok, err := jwt.Parse(
		[]byte(token),
		jwt.WithKey(jwa.HS256, i.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(i.now)),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	tenantID, ok := tok.Get("tenant_id")
	if !ok {
		return "", fmt.Errorf("%w: token missing tenant_id", ErrUnauthenticated)
	}
	tenant, ok := tenantID.(string)
	if !ok || tenant == "" {
		return "", fmt.Errorf("%w: token tenant_id malformed", ErrUnauthenticated)
	}
	return tenant, nil
}

// signature extracts the token's signature segment, the deny-list key for
// revocation.
func signature(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return token
	}
	return parts[2]
}
