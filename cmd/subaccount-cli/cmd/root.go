package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"subaccount-core/internal/bootstrap"
	"subaccount-core/pkg/config"
	"subaccount-core/pkg/logger"
)

var (
	core *bootstrap.Core
	svcs *bootstrap.Services
)

// rootCmd 代表基础命令，没有子命令时直接调用
var rootCmd = &cobra.Command{
	Use:   "subaccount-cli",
	Short: "子账户托管运维工具",
	Long: `子账户托管服务的运维命令行工具。
支持查看子账户池、回收子账户、处理 STUCK 提现以及手动执行对账任务。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		config.Init()
		logger.Init(config.Global.App.Env)

		var err error
		core, err = bootstrap.NewCore(config.Global)
		if err != nil {
			return err
		}
		// 运维命令不启动数据流
		svcs = core.Services(nil)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if core != nil {
			core.Close()
		}
		logger.Sync()
	},
}

// Execute 将所有子命令添加到根命令并设置标志
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
