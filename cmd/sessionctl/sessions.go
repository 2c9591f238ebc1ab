package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"session-orchestrator/internal/apiclient"
	"session-orchestrator/internal/model"
	"session-orchestrator/internal/service"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "查看和操作会话",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出会话（不包含已终止的会话）",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		workspace, _ := cmd.Flags().GetString("workspace")
		states, _ := cmd.Flags().GetStringSlice("state")
		parent, _ := cmd.Flags().GetString("parent")
		page, _ := cmd.Flags().GetInt("page")

		list, err := client.ListSessions(cmd.Context(), apiclient.ListOptions{
			Workspace:       defaultWorkspace(workspace),
			States:          states,
			ParentSessionID: parent,
			Page:            page,
		})
		if err != nil {
			return err
		}
		return printSessions(list)
	},
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "查看会话详情",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		s, err := client.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printSession(s)
	},
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "创建会话",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		workspace, _ := cmd.Flags().GetString("workspace")
		prompt, _ := cmd.Flags().GetString("prompt")
		agents, _ := cmd.Flags().GetStringSlice("agent")
		provision, _ := cmd.Flags().GetBool("provision")

		req := service.CreateSessionRequest{
			Name:           name,
			Workspace:      defaultWorkspace(workspace),
			StartingPrompt: prompt,
		}
		if cmd.Flags().Changed("timeout") {
			timeout, _ := cmd.Flags().GetInt("timeout")
			req.WaitingTimeoutSeconds = &timeout
		}
		for _, id := range agents {
			req.Agents = append(req.Agents, service.AgentBinding{AgentID: id})
		}

		s, err := client.CreateSession(cmd.Context(), req)
		if err != nil {
			return err
		}
		if provision {
			if s, err = client.Intent(cmd.Context(), s.ID, "provision"); err != nil {
				return err
			}
		}
		return printSession(s)
	},
}

var sessionsTerminateCmd = &cobra.Command{
	Use:   "terminate <id>",
	Short: "终止会话并回收容器",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		s, err := client.Terminate(cmd.Context(), args[0], reason)
		if err != nil {
			return err
		}
		return printSession(s)
	},
}

var sessionsRemixCmd = &cobra.Command{
	Use:   "remix <id>",
	Short: "基于已有会话创建新会话",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		var req service.RemixRequest
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			req.Name = &name
		}
		if cmd.Flags().Changed("prompt") {
			prompt, _ := cmd.Flags().GetString("prompt")
			req.StartingPrompt = &prompt
		}
		s, err := client.Remix(cmd.Context(), args[0], req)
		if err != nil {
			return err
		}
		return printSession(s)
	},
}

var sessionsSendCmd = &cobra.Command{
	Use:   "send <id> <content>",
	Short: "向会话发送消息",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		role, _ := cmd.Flags().GetString("role")
		result, err := client.PostMessage(cmd.Context(), args[0], service.CreateMessageRequest{
			Role:    model.MessageRole(strings.ToUpper(role)),
			Content: strings.Join(args[1:], " "),
		})
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return printJSON(result)
		}
		fmt.Printf("✓ 消息 %s 已发送，会话状态 %s\n", result.Message.ID, result.Session.State)
		return nil
	},
}

var sessionsMessagesCmd = &cobra.Command{
	Use:   "messages <id>",
	Short: "查看会话消息",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		page, _ := cmd.Flags().GetInt("page")
		list, err := client.ListMessages(cmd.Context(), args[0], page, 50)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return printJSON(list)
		}
		for _, m := range list.Messages {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Role, m.Content)
		}
		return nil
	},
}

// intentCommand 生成无参数的状态迁移命令
func intentCommand(intent, short string) *cobra.Command {
	return &cobra.Command{
		Use:   intent + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			s, err := client.Intent(cmd.Context(), args[0], intent)
			if err != nil {
				return err
			}
			return printSession(s)
		},
	}
}

func init() {
	sessionsListCmd.Flags().String("workspace", "", "工作空间")
	sessionsListCmd.Flags().StringSlice("state", nil, "按状态过滤，可重复")
	sessionsListCmd.Flags().String("parent", "", "只列出该会话 remix 出的会话")
	sessionsListCmd.Flags().Int("page", 1, "页码")

	sessionsCreateCmd.Flags().String("name", "", "会话名称")
	sessionsCreateCmd.Flags().String("workspace", "", "工作空间")
	sessionsCreateCmd.Flags().String("prompt", "", "初始提示")
	sessionsCreateCmd.Flags().Int("timeout", 0, "空闲超时（秒）")
	sessionsCreateCmd.Flags().StringSlice("agent", nil, "绑定的 Agent ID，按顺序，可重复")
	sessionsCreateCmd.Flags().Bool("provision", false, "创建后立即分配容器")
	_ = sessionsCreateCmd.MarkFlagRequired("name")

	sessionsTerminateCmd.Flags().String("reason", "", "终止原因")

	sessionsRemixCmd.Flags().String("name", "", "新会话名称 (默认继承)")
	sessionsRemixCmd.Flags().String("prompt", "", "新的初始提示 (默认继承)")

	sessionsSendCmd.Flags().String("role", "USER", "消息角色: USER / SYSTEM")

	sessionsMessagesCmd.Flags().Int("page", 1, "页码")

	sessionsCmd.AddCommand(
		sessionsListCmd,
		sessionsGetCmd,
		sessionsCreateCmd,
		intentCommand("provision", "分配容器 (INIT -> READY)"),
		intentCommand("dispatch", "开始处理 (READY -> BUSY)"),
		intentCommand("complete", "处理完成 (BUSY -> READY)"),
		intentCommand("idle", "进入空闲 (-> IDLE)"),
		intentCommand("activate", "从空闲恢复 (IDLE -> READY)"),
		sessionsTerminateCmd,
		sessionsRemixCmd,
		sessionsSendCmd,
		sessionsMessagesCmd,
	)
	rootCmd.AddCommand(sessionsCmd)
}
