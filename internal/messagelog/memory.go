// Copyright 2026 fanjia1024
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

package messagelog

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// memoryStore 内存实现
type memoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore 创建内存消息日志
func NewMemoryStore() Store {
	return &memoryStore{records: make(map[string]Record)}
}

func (s *memoryStore) Save(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	return nil
}

// sorted 返回满足 keep 的记录，时间倒序，最多 limit 条
func (s *memoryStore) sorted(limit int, keep func(Record) bool) []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memoryStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	limit = normalizeLimit(limit, DefaultRecentLimit)
	return s.sorted(limit, func(Record) bool { return true }), nil
}

func (s *memoryStore) ByDate(ctx context.Context, date string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit, DefaultDateLimit)
	return s.sorted(limit, func(r Record) bool { return r.Date == date }), nil
}

func (s *memoryStore) Dates(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	seen := make(map[string]struct{})
	for _, r := range s.records {
		seen[r.Date] = struct{}{}
	}
	s.mu.RUnlock()
	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

func (s *memoryStore) Search(ctx context.Context, query string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit, DefaultSearchLimit)
	q := strings.ToLower(query)
	return s.sorted(limit, func(r Record) bool {
		return strings.Contains(strings.ToLower(r.Content), q)
	}), nil
}

func (s *memoryStore) Close() error { return nil }
