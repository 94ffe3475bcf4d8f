package reclaim

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Job 描述一个等待回收的远端数据库。
type Job struct {
	DatabaseID string `json:"database_id"`
	Username   string `json:"username"`
	Slot       string `json:"slot"`
	Attempts   int    `json:"attempts"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Encode 序列化任务。
func (j Job) Encode() ([]byte, error) {
	encoded, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("序列化回收任务失败: %w", err)
	}
	return encoded, nil
}

// DecodeJob 解析队列中的任务。
func DecodeJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("解析回收任务失败: %w", err)
	}
	if strings.TrimSpace(job.DatabaseID) == "" {
		return Job{}, errors.New("回收任务缺少 database_id")
	}
	return job, nil
}
