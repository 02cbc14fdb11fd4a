package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"LumiCreate-server/config"

	"github.com/hibiken/asynq"
)

const (
	TypePipelineJob = "pipeline:job"
)

type JobPayload struct {
	JobID string `json:"job_id"`
}

var QueueClient *asynq.Client

// InitQueue 初始化 asynq 客户端
func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// EnqueueJob 把任务 id 推入队列。状态机重试/取消由 Registry 掌管，
// asynq 层不做自动重试（MaxRetry 0），避免绕过状态门闩。
func EnqueueJob(jobID string) error {
	payload, err := json.Marshal(JobPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypePipelineJob, payload,
		asynq.MaxRetry(0),
		asynq.Timeout(30*time.Minute), // 合成与生图较慢
		asynq.Retention(24*time.Hour),
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	log.Printf("[Queue] Job Enqueued: ID=%s, JobID=%s", info.ID, jobID)
	return nil
}
