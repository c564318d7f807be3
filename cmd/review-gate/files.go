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
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"review-gate/internal/fallback"
)

type fileOptions struct {
	dir       string
	triggerID string
}

func (o *fileOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.dir, "dir", "", "文件通道目录（默认取配置或系统临时目录）")
	cmd.Flags().StringVar(&o.triggerID, "trigger-id", "", "目标 trigger_id（默认读取当前触发文件）")
}

// resolve 返回目录与 trigger_id；未指定 trigger_id 时读取触发文件
func (o *fileOptions) resolve(root *rootOptions) (string, string, error) {
	dir, err := root.fallbackDir(o.dir)
	if err != nil {
		return "", "", err
	}
	if o.triggerID != "" {
		return dir, o.triggerID, nil
	}
	id, err := fallback.ReadTrigger(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", "", fmt.Errorf("%s 下没有待处理的审阅请求", dir)
	}
	if err != nil {
		return "", "", fmt.Errorf("读取触发文件失败: %w", err)
	}
	if id == "" {
		return "", "", errors.New("触发文件缺少 trigger_id")
	}
	return dir, id, nil
}

func newPendingCmd(root *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "显示文件通道中当前待处理的 trigger_id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := &fileOptions{dir: dir}
			_, id, err := opts.resolve(root)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "文件通道目录（默认取配置或系统临时目录）")
	return cmd
}

func newAckCmd(root *rootOptions) *cobra.Command {
	opts := &fileOptions{}
	var reject bool
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "为当前审阅请求写入确认文件",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, id, err := opts.resolve(root)
			if err != nil {
				return err
			}
			if err := fallback.WriteAck(dir, id, !reject); err != nil {
				return fmt.Errorf("写入确认文件失败: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "acknowledged %s\n", id)
			return err
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&reject, "reject", false, "写入 acknowledged=false")
	return cmd
}

func newRespondCmd(root *rootOptions) *cobra.Command {
	opts := &fileOptions{}
	cmd := &cobra.Command{
		Use:   "respond <text>",
		Short: "为当前审阅请求写入回复文件",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, id, err := opts.resolve(root)
			if err != nil {
				return err
			}
			if err := fallback.WriteResponse(dir, id, strings.Join(args, " ")); err != nil {
				return fmt.Errorf("写入回复文件失败: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "responded %s\n", id)
			return err
		},
	}
	opts.bind(cmd)
	return cmd
}
