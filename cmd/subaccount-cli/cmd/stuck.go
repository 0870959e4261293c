package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	stuckLimit int
	stuckNote  string
)

// stuckCmd 人工介入队列
var stuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "列出 STUCK 提现",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := svcs.Withdraw.ListStuck(cmd.Context(), stuckLimit)
		if err != nil {
			return err
		}
		return printJSON(list)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <withdrawal_id>",
	Short: "人工处理完毕后把 STUCK 提现标记为 RESOLVED",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid withdrawal_id %q: %w", args[0], err)
		}
		w, err := svcs.Withdraw.ResolveStuck(cmd.Context(), id, stuckNote)
		if err != nil {
			return err
		}
		return printJSON(w)
	},
}

func init() {
	stuckCmd.Flags().IntVar(&stuckLimit, "limit", 50, "最多列出的条数")
	resolveCmd.Flags().StringVar(&stuckNote, "note", "", "处理说明")
	stuckCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(stuckCmd)
}
