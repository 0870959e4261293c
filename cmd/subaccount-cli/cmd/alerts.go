package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"subaccount-core/internal/service/mq"
	"subaccount-core/pkg/config"
)

var alertsGroup string

// alertsCmd 订阅告警主题并打印 (STUCK 提现、孤儿划转)
var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "订阅提现告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		host, _ := os.Hostname()
		consumer := core.Consumer(alertsGroup, host)
		defer consumer.Close()

		topic := config.Global.Withdrawal.AlertTopic
		fmt.Printf("监听告警主题 %s, Ctrl+C 退出\n", topic)
		return consumer.Subscribe(ctx, topic, func(msg *mq.Message) error {
			fmt.Printf("[%s] key=%s %s\n", msg.ID, msg.Key, msg.Payload)
			return nil
		})
	},
}

func init() {
	alertsCmd.Flags().StringVar(&alertsGroup, "group", "subaccount_ops", "消费者组")
	rootCmd.AddCommand(alertsCmd)
}

