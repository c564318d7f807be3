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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"review-gate/internal/messagelog"
	"review-gate/pkg/config"
)

type historyOptions struct {
	limit  int
	date   string
	search string
	dates  bool
	asJSON bool
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	opts := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "查看审阅消息日志",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			return runHistory(cmd, cfg, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", messagelog.DefaultRecentLimit, "最多显示条数")
	cmd.Flags().StringVar(&opts.date, "date", "", "只显示某天（YYYY-MM-DD）")
	cmd.Flags().StringVarP(&opts.search, "search", "s", "", "按内容搜索")
	cmd.Flags().BoolVar(&opts.dates, "dates", false, "列出有记录的日期")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "以 JSON 输出")
	return cmd
}

// runHistory 直接打开消息日志存储，不经过运行中的网关
func runHistory(cmd *cobra.Command, cfg *config.Config, opts *historyOptions) error {
	ctx := cmd.Context()
	store, err := messagelog.NewStore(ctx, cfg.MessageLog)
	if err != nil {
		return fmt.Errorf("打开消息日志失败: %w", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if opts.dates {
		dates, err := store.Dates(ctx)
		if err != nil {
			return err
		}
		if opts.asJSON {
			return writeJSON(out, dates)
		}
		_, err = fmt.Fprintln(out, strings.Join(dates, "\n"))
		return err
	}

	var records []messagelog.Record
	switch {
	case opts.search != "":
		records, err = store.Search(ctx, opts.search, opts.limit)
	case opts.date != "":
		records, err = store.ByDate(ctx, opts.date, opts.limit)
	default:
		records, err = store.Recent(ctx, opts.limit)
	}
	if err != nil {
		return err
	}
	if opts.asJSON {
		return writeJSON(out, records)
	}
	for _, r := range records {
		line := fmt.Sprintf("%s  %-6s  %s  %s", r.Timestamp, r.Kind, r.TriggerID, oneLine(r.Content))
		if r.HasAttachments {
			line += fmt.Sprintf("  [%d attachment(s)]", len(r.Attachments))
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
