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

package sandbox

// Interrupt signals carried out of the sandbox when execution must stop.
// The runtime is interrupted at the next instruction boundary; the signal
// value tells the bridge why.

type pauseSignal struct{}

type timeoutSignal struct{}

type cancelSignal struct{}

type memorySignal struct{ used uint64 }

type llmLimitSignal struct{}

type securitySignal struct {
	policy string
	reason string
}

type approvalDeniedSignal struct {
	tool string
}

type divergenceSignal struct{ err error }
