package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"session-orchestrator/internal/audit"
	"session-orchestrator/internal/websocket"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "实时查看审计事件",
	Long: `订阅编排服务的审计事件，直到按下 Ctrl+C。

只会收到 Token 有权限查看的工作空间内的事件。`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		workspaces, _ := cmd.Flags().GetStringSlice("workspace")
		sessionID, _ := cmd.Flags().GetString("session")

		fmt.Printf("📡 正在订阅 %s 的审计事件 (按 Ctrl+C 退出)\n", store.Get().Server.URL)
		return client.WatchAudit(cmd.Context(), websocket.SubscribePayload{
			Workspaces: workspaces,
			EntityID:   sessionID,
		}, printEvent)
	},
}

func printEvent(e audit.Event) {
	if outputFmt == "json" {
		_ = printJSON(e)
		return
	}
	state := ""
	if s, ok := e.Details["state"]; ok {
		state = fmt.Sprintf(" -> %v", s)
	}
	fmt.Printf("%s  %-18s %s/%s%s  by %s\n",
		e.Timestamp.Local().Format("15:04:05"), e.Action, e.Workspace, e.EntityID, state, e.Actor)
}

func init() {
	watchCmd.Flags().StringSlice("workspace", nil, "只看这些工作空间，可重复")
	watchCmd.Flags().String("session", "", "只看该会话")
	rootCmd.AddCommand(watchCmd)
}
