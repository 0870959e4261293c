package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"subaccount-core/internal/service"
)

// 任务类型常量
const (
	TypeStreamDeploy = "stream:deploy"
)

const QueueCritical = "critical"

// StreamDeployTaskID 同一子账户只保留一个待执行任务
func StreamDeployTaskID(subAccountRef uint64) string {
	return fmt.Sprintf("%s:%d", TypeStreamDeploy, subAccountRef)
}

// ---------------------------------------------------------------------
// 1. Producer (Client) Code
// ---------------------------------------------------------------------

// NewStreamDeployTask 创建启动实时数据流的任务, payload 只包含本地子账户 ID
func NewStreamDeployTask(job service.StreamJob) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeStreamDeploy, payload,
		asynq.TaskID(StreamDeployTaskID(job.SubAccountRef)),
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
	), nil
}

// ---------------------------------------------------------------------
// 2. Consumer (Server) Code
// ---------------------------------------------------------------------

// ParseStreamDeployTask 解析任务参数, 格式错误时不再重试
func ParseStreamDeployTask(t *asynq.Task) (service.StreamJob, error) {
	var job service.StreamJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return job, fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if job.SubAccountRef == 0 {
		return job, fmt.Errorf("missing sub_account_ref: %w", asynq.SkipRetry)
	}
	return job, nil
}
