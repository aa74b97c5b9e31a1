package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"telegemini-go/internal/config"
	"telegemini-go/internal/service"
	"telegemini-go/pkg/llm"
	"telegemini-go/pkg/log"

	"github.com/spf13/cobra"
)

// forgeCmd 在命令行里根据一句描述生成角色草稿，不启动服务。
var forgeCmd = &cobra.Command{
	Use:   "forge <idea>",
	Short: "根据一句描述生成 persona 草稿并以 JSON 输出",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idea := strings.TrimSpace(strings.Join(args, " "))
		if idea == "" {
			return fmt.Errorf("idea 不能为空")
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
		defer log.Sync()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		generator := service.NewPersonaGenerator(llm.NewClient(ctx, cfg.Gemini), cfg.Gemini.FallbackDelay)
		draft := generator.Generate(ctx, idea)

		out, err := json.MarshalIndent(draft, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}
