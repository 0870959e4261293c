package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"subaccount-core/internal/service"
)

// reconcileCmd 手动执行一次对账任务 (不获取 cron 锁)
var reconcileCmd = &cobra.Command{
	Use:       "reconcile <job>",
	Short:     "执行一次对账任务",
	Long:      "可选任务: import_deposits, refresh_withdrawals, resolve_transfers, pool_gauge, release_orphans",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{service.JobImportDeposits, service.JobRefreshWithdraws, service.JobResolveTransfers, service.JobPoolGauge,
		service.JobReleaseOrphans},
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs := map[string]func(ctx context.Context) error{
			service.JobImportDeposits:   svcs.Reconcile.ImportDeposits,
			service.JobRefreshWithdraws: svcs.Reconcile.RefreshWithdrawals,
			service.JobResolveTransfers: svcs.Reconcile.ResolveUnknownTransfers,
			service.JobPoolGauge:        svcs.Reconcile.UpdatePoolGauge,
			service.JobReleaseOrphans:   svcs.Reconcile.ReleaseOrphans,
		}
		fn, ok := jobs[args[0]]
		if !ok {
			return fmt.Errorf("unknown job %q", args[0])
		}
		if err := fn(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("%s done\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
