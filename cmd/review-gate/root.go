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
	"github.com/spf13/cobra"

	"review-gate/internal/fallback"
	"review-gate/pkg/config"
)

// version 发布时通过 -ldflags "-X main.version=..." 覆盖
var version = "2.0.0"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "review-gate",
		Short:         "Review Gate: 在 agent 结束回合前请求人工审阅",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "配置文件路径（默认 "+config.DefaultConfigPath+"）")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newRespondCmd(opts),
		newAckCmd(opts),
		newPendingCmd(opts),
		newRequestCmd(),
		newHistoryCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.LoadConfig(o.configPath)
}

// fallbackDir 命令行 --dir 优先，其次配置文件，最后系统临时目录
func (o *rootOptions) fallbackDir(flagDir string) (string, error) {
	if flagDir != "" {
		return flagDir, nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Fallback.Dir != "" {
		return cfg.Fallback.Dir, nil
	}
	return fallback.DefaultDir(), nil
}
