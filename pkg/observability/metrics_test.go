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

package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledMetricsAreInert(t *testing.T) {
	m, err := InitMetrics(false)
	require.NoError(t, err)

	// Every recorder method must be a safe no-op.
	m.IncPauses()
	m.IncResumes()
	m.IncExpired()
	m.RecordExecution(context.Background(), "completed", 0.5)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var m *PrometheusMetrics
	assert.NotPanics(t, func() {
		m.IncPauses()
		m.IncResumes()
		m.IncExpired()
		m.RecordExecution(context.Background(), "timeout", 1.0)
	})
}
