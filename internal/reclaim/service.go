package reclaim

import (
	"context"
	"errors"
	"time"

	"ControlAgent/internal/agentclient"
	xerrors "ControlAgent/internal/errors"
	"ControlAgent/internal/observability/metrics"
	"ControlAgent/pkg/envelope"
	"ControlAgent/pkg/logger"
)

// Sender 是发送删除请求所需的代理能力。
type Sender interface {
	Send(ctx context.Context, endpoint string, env envelope.Envelope) error
}

// Outcome 描述一次回收的结果。
type Outcome string

const (
	OutcomeDeleted Outcome = "deleted"
	OutcomeQueued  Outcome = "queued"
	OutcomeFailed  Outcome = "failed"
)

const defaultTimeout = 30 * time.Second

// Service 负责删除被替换下来的远端数据库。
type Service struct {
	agent    Sender
	codec    *envelope.Codec
	producer Producer
	timeout  time.Duration
}

// Option 定义可选配置。
type Option func(*Service)

// WithProducer 配置延迟重试队列。未配置时回收失败只记录日志。
func WithProducer(producer Producer) Option {
	return func(s *Service) {
		s.producer = producer
	}
}

// WithTimeout 设置单次同步回收的超时。
func WithTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewService 创建回收服务。
func NewService(agent Sender, codec *envelope.Codec, opts ...Option) (*Service, error) {
	if agent == nil || codec == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "回收服务需要文档代理与编解码器")
	}
	s := &Service{
		agent:   agent,
		codec:   codec,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Delete 以 document-agent 作用域加密 {database_id} 并调用删除接口。
func (s *Service) Delete(ctx context.Context, databaseID string) error {
	if databaseID == "" {
		return errors.New("database id cannot be empty")
	}
	env, err := s.codec.Seal(map[string]string{"database_id": databaseID}, envelope.ScopeDocument)
	if err != nil {
		return err
	}
	return s.agent.Send(ctx, agentclient.EndpointDeleteDatabase, env)
}

// Reclaim 立即尝试一次删除；失败时若配置了队列则投递延迟重试。
// 它运行在脱离请求取消的上下文上，客户端断开不会跳过回收。结果只用于日志与指标，
// 永远不会影响已经完成的槽位绑定。
func (s *Service) Reclaim(ctx context.Context, job Job) Outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	log := logger.Component(ctx, "reclaim")

	job.Attempts++
	err := s.Delete(ctx, job.DatabaseID)
	if err == nil {
		metrics.RecordReclaim(string(OutcomeDeleted))
		log.Info("已回收旧数据库", "user", job.Username, "slot", job.Slot)
		return OutcomeDeleted
	}

	logger.Audit().Warn("reclaim_failed",
		"user", job.Username,
		"slot", job.Slot,
		"database_id", job.DatabaseID,
		"error", err.Error(),
	)
	if s.producer == nil {
		metrics.RecordReclaim(string(OutcomeFailed))
		return OutcomeFailed
	}

	job.EnqueuedAt = time.Now().Unix()
	payload, encErr := job.Encode()
	if encErr == nil {
		encErr = s.producer.Publish(ctx, payload)
	}
	if encErr != nil {
		log.Error("回收任务入队失败", "database_id", job.DatabaseID, "error", encErr)
		metrics.RecordReclaim(string(OutcomeFailed))
		return OutcomeFailed
	}
	metrics.RecordReclaim(string(OutcomeQueued))
	return OutcomeQueued
}
