package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "查看 Agent",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出工作空间内的 Agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		workspace, _ := cmd.Flags().GetString("workspace")
		list, err := client.ListAgents(cmd.Context(), defaultWorkspace(workspace))
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return printJSON(list)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\t名称\t模型")
		for _, a := range list.Agents {
			fmt.Fprintf(w, "%s\t%s\t%s\n", a.ID, a.Name, a.Model)
		}
		return w.Flush()
	},
}

func init() {
	agentsListCmd.Flags().String("workspace", "", "工作空间")
	agentsCmd.AddCommand(agentsListCmd)
	rootCmd.AddCommand(agentsCmd)
}
