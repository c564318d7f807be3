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
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const recordColumns = `id, trigger_id, message_type, content, timestamp, date, has_attachments, attachments`

// sqliteStore 单文件 SQLite 实现（默认后端）
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开（或创建）path 处的数据库并建表
func NewSQLiteStore(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create message log dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单写者，避免 database is locked
	db.SetMaxOpenConns(1)
	s := &sqliteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) initSchema() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			trigger_id TEXT,
			message_type TEXT,
			content TEXT,
			timestamp TEXT,
			date TEXT,
			has_attachments INTEGER DEFAULT 0,
			attachments TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_date ON messages(date);`,
		`CREATE INDEX IF NOT EXISTS idx_trigger_id ON messages(trigger_id);`,
		`CREATE INDEX IF NOT EXISTS idx_timestamp ON messages(timestamp);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) Save(ctx context.Context, r Record) error {
	atts, err := json.Marshal(nonNilAttachments(r.Attachments))
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TriggerID, string(r.Kind), r.Content, r.Timestamp, r.Date, boolToInt(r.HasAttachments), string(atts))
	if err != nil {
		return fmt.Errorf("save message %s: %w", r.ID, err)
	}
	return nil
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM messages ORDER BY timestamp DESC LIMIT ?`,
		normalizeLimit(limit, DefaultRecentLimit))
}

func (s *sqliteStore) ByDate(ctx context.Context, date string, limit int) ([]Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM messages WHERE date = ? ORDER BY timestamp DESC LIMIT ?`,
		date, normalizeLimit(limit, DefaultDateLimit))
}

func (s *sqliteStore) Dates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT date FROM messages ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("list dates: %w", err)
	}
	defer rows.Close()
	dates := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

func (s *sqliteStore) Search(ctx context.Context, query string, limit int) ([]Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM messages WHERE content LIKE ? ESCAPE '\' ORDER BY timestamp DESC LIMIT ?`,
		"%"+escapeLike(query)+"%", normalizeLimit(limit, DefaultSearchLimit))
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var (
			r       Record
			kind    string
			hasAtts int
			atts    sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TriggerID, &kind, &r.Content, &r.Timestamp, &r.Date, &hasAtts, &atts); err != nil {
			return nil, err
		}
		r.Kind = Kind(kind)
		r.HasAttachments = hasAtts != 0
		r.Attachments = decodeAttachments(atts.String)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilAttachments(a []Attachment) []Attachment {
	if a == nil {
		return []Attachment{}
	}
	return a
}

// decodeAttachments 损坏的附件列按空处理，不影响记录本身
func decodeAttachments(s string) []Attachment {
	out := []Attachment{}
	if s == "" {
		return out
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return []Attachment{}
	}
	return out
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
