// Package main 是应用程序的入口点。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd 默认执行 serve。
var rootCmd = &cobra.Command{
	Use:   "telegemini",
	Short: "TeleGemini - 多角色 Gemini 聊天服务",
	Long: `TeleGemini 提供一组 AI 角色 (persona)，每个角色维护自己的会话记录，
通过 REST、SSE 和 WebSocket 与 Gemini 进行流式对话、生成图片以及创建新角色。

不带子命令运行时等同于 serve。`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "配置文件路径")
	rootCmd.AddCommand(serveCmd, forgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
