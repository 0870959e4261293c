package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// poolCmd 查看子账户池
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "查看子账户池 (active / inactive 数量)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := core.Store.PoolStats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

// releaseCmd 回收用户的子账户
var releaseCmd = &cobra.Command{
	Use:   "release <user_id>",
	Short: "解除用户绑定并把子账户放回池中",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user_id %q: %w", args[0], err)
		}
		if err := svcs.Allocator.Release(cmd.Context(), userID); err != nil {
			return err
		}
		fmt.Printf("用户 %d 的子账户已回收\n", userID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(releaseCmd)
}
