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
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore PostgreSQL 实现，多机共享历史时使用
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 连接 dsn 并确保表存在
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &pgStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *pgStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS review_messages (
			id TEXT PRIMARY KEY,
			trigger_id TEXT NOT NULL,
			message_type TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			date TEXT NOT NULL,
			has_attachments BOOLEAN NOT NULL DEFAULT FALSE,
			attachments JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_review_messages_date ON review_messages(date)`,
		`CREATE INDEX IF NOT EXISTS idx_review_messages_trigger_id ON review_messages(trigger_id)`,
		`CREATE INDEX IF NOT EXISTS idx_review_messages_timestamp ON review_messages(timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *pgStore) Save(ctx context.Context, r Record) error {
	atts, err := json.Marshal(nonNilAttachments(r.Attachments))
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO review_messages (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   trigger_id = EXCLUDED.trigger_id,
		   message_type = EXCLUDED.message_type,
		   content = EXCLUDED.content,
		   timestamp = EXCLUDED.timestamp,
		   date = EXCLUDED.date,
		   has_attachments = EXCLUDED.has_attachments,
		   attachments = EXCLUDED.attachments`,
		r.ID, r.TriggerID, string(r.Kind), r.Content, r.Timestamp, r.Date, r.HasAttachments, atts)
	if err != nil {
		return fmt.Errorf("save message %s: %w", r.ID, err)
	}
	return nil
}

func (s *pgStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM review_messages ORDER BY timestamp DESC LIMIT $1`,
		normalizeLimit(limit, DefaultRecentLimit))
}

func (s *pgStore) ByDate(ctx context.Context, date string, limit int) ([]Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM review_messages WHERE date = $1 ORDER BY timestamp DESC LIMIT $2`,
		date, normalizeLimit(limit, DefaultDateLimit))
}

func (s *pgStore) Dates(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT date FROM review_messages ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("list dates: %w", err)
	}
	dates, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if dates == nil {
		dates = []string{}
	}
	return dates, nil
}

func (s *pgStore) Search(ctx context.Context, query string, limit int) ([]Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM review_messages WHERE content ILIKE $1 ESCAPE '\' ORDER BY timestamp DESC LIMIT $2`,
		"%"+escapeLike(query)+"%", normalizeLimit(limit, DefaultSearchLimit))
}

func (s *pgStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var (
			r    Record
			kind string
			atts []byte
		)
		if err := rows.Scan(&r.ID, &r.TriggerID, &kind, &r.Content, &r.Timestamp, &r.Date, &r.HasAttachments, &atts); err != nil {
			return nil, err
		}
		r.Kind = Kind(kind)
		r.Attachments = decodeAttachments(string(atts))
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close 关闭连接池
func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}
