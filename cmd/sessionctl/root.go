package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"session-orchestrator/internal/apiclient"
	"session-orchestrator/internal/ctlconfig"
	"session-orchestrator/internal/model"
)

var (
	store     *ctlconfig.Store
	outputFmt string
)

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "会话编排服务的运维工具",
	Long: `sessionctl 用于查看和操作编排服务中的会话。

配置保存在 ~/.sessionctl/config.yaml，可以通过 --server 临时指定服务器地址。
首次使用前先运行 'sessionctl token issue --save' 签发操作者 Token。`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// execute 执行根命令，Ctrl+C 取消正在进行的请求
func execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "✗", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("server", "s", "", "服务器地址 (默认: http://localhost:8080)")
	rootCmd.PersistentFlags().String("config-dir", "", "配置目录 (默认: ~/.sessionctl)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "输出格式: table / json")
}

func initConfig(cmd *cobra.Command, _ []string) error {
	dir, _ := cmd.Flags().GetString("config-dir")
	if dir == "" {
		var err error
		if dir, err = ctlconfig.DefaultDir(); err != nil {
			return err
		}
	}
	s, err := ctlconfig.Open(dir)
	if err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		s.SetServerURL(server)
	}
	store = s
	return nil
}

// newClient 使用已保存的 Token 创建 API 客户端
func newClient() (*apiclient.Client, error) {
	cfg := store.Get()
	if cfg.Auth.AccessToken == "" {
		return nil, fmt.Errorf("未配置 Token，请先运行 'sessionctl token issue --save'")
	}
	return apiclient.NewClient(cfg.Server.URL, cfg.Auth.AccessToken), nil
}

// defaultWorkspace 命令行未指定时使用配置中的工作空间
func defaultWorkspace(flag string) string {
	if flag != "" {
		return flag
	}
	return store.Get().Server.Workspace
}

// printJSON 以缩进 JSON 输出
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printSession 输出单个会话
func printSession(s *model.Session) error {
	if outputFmt == "json" {
		return printJSON(s)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", s.ID)
	fmt.Fprintf(w, "名称:\t%s\n", s.Name)
	fmt.Fprintf(w, "工作空间:\t%s\n", s.Workspace)
	fmt.Fprintf(w, "状态:\t%s\n", s.State)
	fmt.Fprintf(w, "容器:\t%s\n", deref(s.ContainerID))
	fmt.Fprintf(w, "卷:\t%s\n", deref(s.PersistentVolumeID))
	if s.ParentSessionID != nil {
		fmt.Fprintf(w, "父会话:\t%s\n", *s.ParentSessionID)
	}
	fmt.Fprintf(w, "超时:\t%ds\n", s.WaitingTimeoutSeconds)
	fmt.Fprintf(w, "最近活动:\t%s\n", formatTime(s.LastActivityAt))
	if s.TerminationReason != nil {
		fmt.Fprintf(w, "终止原因:\t%s\n", *s.TerminationReason)
	}
	if len(s.Agents) > 0 {
		ids := make([]string, 0, len(s.Agents))
		for _, a := range s.Agents {
			ids = append(ids, a.AgentID)
		}
		fmt.Fprintf(w, "Agents:\t%s\n", strings.Join(ids, ", "))
	}
	return w.Flush()
}

// printSessions 以表格输出会话列表
func printSessions(list *apiclient.SessionList) error {
	if outputFmt == "json" {
		return printJSON(list)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\t名称\t状态\t容器\t最近活动")
	for _, s := range list.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.State, shortID(deref(s.ContainerID)), formatTime(s.LastActivityAt))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n共 %d 个会话（第 %d 页）\n", list.Total, list.Page)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
