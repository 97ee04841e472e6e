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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMetadataNotFound reports a missing or expired metadata entry.
var ErrMetadataNotFound = errors.New("provenance metadata not found")

// MetadataCache stores provenance metadata shared across server instances,
// tenant-partitioned by key prefix. Entries are TTL-bound; the TTL must
// not exceed the execution-state TTL.
type MetadataCache interface {
	Put(ctx context.Context, tenantID, ref string, meta *Metadata, ttl time.Duration) error
	Get(ctx context.Context, tenantID, ref string) (*Metadata, error)
}

func metadataKey(tenantID, ref string) string {
	return fmt.Sprintf("prov:meta:%s:%s", tenantID, ref)
}

// ---------------------------------------------------------------------------
// In-memory cache
// ---------------------------------------------------------------------------

type memoryCacheEntry struct {
	meta      *Metadata
	expiresAt time.Time
}

// MemoryCache is a process-local metadata cache. Suitable single-instance;
// multi-instance deployments need the shared backend.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

var _ MetadataCache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryCacheEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Put(_ context.Context, tenantID, ref string, meta *Metadata, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[metadataKey(tenantID, ref)] = memoryCacheEntry{
		meta:      meta,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

func (c *MemoryCache) Get(_ context.Context, tenantID, ref string) (*Metadata, error) {
	c.mu.RLock()
	entry, ok := c.entries[metadataKey(tenantID, ref)]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return nil, ErrMetadataNotFound
	}
	return entry.meta, nil
}

// ---------------------------------------------------------------------------
// Redis-backed cache
// ---------------------------------------------------------------------------

// RedisCache stores metadata in a shared Redis so that tokens issued by
// one instance verify on another.
type RedisCache struct {
	client *redis.Client
}

var _ MetadataCache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Put(ctx context.Context, tenantID, ref string, meta *Metadata, ttl time.Duration) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode provenance metadata: %w", err)
	}
	return c.client.Set(ctx, metadataKey(tenantID, ref), raw, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, tenantID, ref string) (*Metadata, error) {
	raw, err := c.client.Get(ctx, metadataKey(tenantID, ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMetadataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provenance metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode provenance metadata: %w", err)
	}
	return &meta, nil
}
