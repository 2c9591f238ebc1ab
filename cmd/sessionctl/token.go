package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"session-orchestrator/pkg/jwt"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "管理操作者 Token",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "使用服务端密钥签发操作者 Token",
	Long: `使用与服务端相同的 jwt.secret 在本地签发操作者 Token。

密钥按以下顺序读取：--secret 参数、JWT_SECRET 环境变量、配置文件 auth.jwt_secret。
不指定 --workspace 且不是 --admin 时 Token 没有任何工作空间权限。`,
	RunE: runTokenIssue,
}

func init() {
	tokenIssueCmd.Flags().String("name", "", "调用者名称 (默认: 当前用户名)")
	tokenIssueCmd.Flags().String("type", "user", "调用者类型: user / service")
	tokenIssueCmd.Flags().StringSlice("workspace", nil, "可访问的工作空间，可重复，* 表示全部")
	tokenIssueCmd.Flags().Bool("admin", false, "签发管理员 Token")
	tokenIssueCmd.Flags().String("secret", "", "JWT 签名密钥")
	tokenIssueCmd.Flags().Duration("ttl", 24*time.Hour, "有效期")
	tokenIssueCmd.Flags().Bool("save", false, "保存到配置文件")

	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenIssue(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	actorType, _ := cmd.Flags().GetString("type")
	workspaces, _ := cmd.Flags().GetStringSlice("workspace")
	admin, _ := cmd.Flags().GetBool("admin")
	secret, _ := cmd.Flags().GetString("secret")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	save, _ := cmd.Flags().GetBool("save")

	if secret == "" {
		secret = store.Get().Auth.JWTSecret
	}
	if len(secret) < 32 {
		return fmt.Errorf("需要至少 32 个字符的 JWT 密钥")
	}
	if actorType != "user" && actorType != "service" {
		return fmt.Errorf("不支持的调用者类型: %s", actorType)
	}
	if name == "" {
		name = os.Getenv("USER")
		if name == "" {
			name = "operator"
		}
	}

	token, err := jwt.NewJWTService(secret, ttl, ttl).GenerateAccessToken(jwt.Identity{
		Name:       name,
		Type:       actorType,
		Workspaces: workspaces,
		Admin:      admin,
	})
	if err != nil {
		return fmt.Errorf("签发 Token 失败: %w", err)
	}

	if !save {
		fmt.Println(token)
		return nil
	}
	if err := store.SaveToken(token); err != nil {
		return err
	}
	if len(workspaces) == 1 && workspaces[0] != "*" && store.Get().Server.Workspace == "" {
		if err := store.SaveWorkspace(workspaces[0]); err != nil {
			return err
		}
	}
	fmt.Printf("✓ Token 已保存到 %s（有效期 %s）\n", store.Path(), ttl)
	return nil
}
