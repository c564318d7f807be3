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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const searchBatch = 200

// redisStore Redis 实现。
// 布局：<prefix>msg:<id> 存记录 JSON；<prefix>timeline 与 <prefix>date:<date> 为按时间打分的 ZSET；<prefix>dates 为日期集合。
type redisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore 基于已有客户端创建存储，prefix 为空时使用 "review_gate:"
func NewRedisStore(client redis.UniversalClient, prefix string) Store {
	if prefix == "" {
		prefix = "review_gate:"
	}
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) msgKey(id string) string {
	return s.prefix + "msg:" + id
}

func (s *redisStore) timelineKey() string {
	return s.prefix + "timeline"
}

func (s *redisStore) dateKey(date string) string {
	return s.prefix + "date:" + date
}

func (s *redisStore) datesKey() string {
	return s.prefix + "dates"
}

// score 时间戳转为 ZSET 分值（微秒），无法解析时为 0
func score(ts string) float64 {
	t, err := time.ParseInLocation(TimestampLayout, ts, time.Local)
	if err != nil {
		return 0
	}
	return float64(t.UnixMicro())
}

func (s *redisStore) Save(ctx context.Context, r Record) error {
	r.Attachments = nonNilAttachments(r.Attachments)
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	// 覆盖写入且日期变化时，需要从旧日期索引中移除
	var oldDate string
	if prev, err := s.client.Get(ctx, s.msgKey(r.ID)).Bytes(); err == nil {
		var old Record
		if json.Unmarshal(prev, &old) == nil && old.Date != r.Date {
			oldDate = old.Date
		}
	} else if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("load message %s: %w", r.ID, err)
	}

	sc := score(r.Timestamp)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.msgKey(r.ID), data, 0)
		p.ZAdd(ctx, s.timelineKey(), redis.Z{Score: sc, Member: r.ID})
		p.ZAdd(ctx, s.dateKey(r.Date), redis.Z{Score: sc, Member: r.ID})
		p.SAdd(ctx, s.datesKey(), r.Date)
		if oldDate != "" {
			p.ZRem(ctx, s.dateKey(oldDate), r.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save message %s: %w", r.ID, err)
	}
	return nil
}

// load 按 ID 顺序批量取记录，缺失的跳过
func (s *redisStore) load(ctx context.Context, ids []string) ([]Record, error) {
	out := make([]Record, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.msgKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			continue
		}
		r.Attachments = nonNilAttachments(r.Attachments)
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	limit = normalizeLimit(limit, DefaultRecentLimit)
	ids, err := s.client.ZRevRange(ctx, s.timelineKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *redisStore) ByDate(ctx context.Context, date string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit, DefaultDateLimit)
	ids, err := s.client.ZRevRange(ctx, s.dateKey(date), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list by date: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *redisStore) Dates(ctx context.Context) ([]string, error) {
	dates, err := s.client.SMembers(ctx, s.datesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list dates: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// Search 按时间倒序分批扫描 timeline 并在客户端过滤
func (s *redisStore) Search(ctx context.Context, query string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit, DefaultSearchLimit)
	q := strings.ToLower(query)
	out := []Record{}
	for start := int64(0); ; start += searchBatch {
		ids, err := s.client.ZRevRange(ctx, s.timelineKey(), start, start+searchBatch-1).Result()
		if err != nil {
			return nil, fmt.Errorf("search messages: %w", err)
		}
		if len(ids) == 0 {
			return out, nil
		}
		recs, err := s.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if strings.Contains(strings.ToLower(r.Content), q) {
				out = append(out, r)
				if len(out) >= limit {
					return out, nil
				}
			}
		}
	}
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
