package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"session-orchestrator/internal/apiclient"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "显示当前配置和服务状态",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := store.Get()
		fmt.Printf("服务器: %s\n", cfg.Server.URL)
		fmt.Printf("配置文件: %s\n", store.Path())
		if cfg.Server.Workspace != "" {
			fmt.Printf("默认工作空间: %s\n", cfg.Server.Workspace)
		}
		if cfg.Auth.AccessToken != "" {
			fmt.Println("Token: ✓ 已配置")
		} else {
			fmt.Println("Token: ✗ 未配置，请运行 'sessionctl token issue --save'")
		}

		if err := apiclient.NewClient(cfg.Server.URL, "").Health(cmd.Context()); err != nil {
			fmt.Printf("服务: ✗ %v\n", err)
			return nil
		}
		fmt.Println("服务: ✓ 正常")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "吊销 Token 并清除本地凭证",
	Long: `通知服务端吊销当前 Token，然后清除本地保存的 Token。

服务端未启用 Redis 时无法吊销，本地凭证仍会被清除。`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if store.Get().Auth.AccessToken == "" {
			fmt.Println("当前未配置 Token")
			return nil
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.Logout(cmd.Context()); err != nil {
			fmt.Printf("⚠️  服务端吊销失败: %v\n", err)
		}
		if err := store.ClearToken(); err != nil {
			return fmt.Errorf("清除凭证失败: %w", err)
		}
		fmt.Println("✓ 已清除本地凭证")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, logoutCmd)
}
