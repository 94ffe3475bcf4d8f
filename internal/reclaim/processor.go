package reclaim

import (
	"context"
	"log/slog"
	"time"

	xerrors "ControlAgent/internal/errors"
	"ControlAgent/internal/observability/alerting"
	"ControlAgent/internal/observability/metrics"
	"ControlAgent/pkg/logger"
)

// Processor 从队列消费回收任务，重试直到成功或达到最大次数。
type Processor struct {
	service        *Service
	consumer       Consumer
	producer       Producer
	workerCount    int
	maxAttempts    int
	retryDelay     time.Duration
	publishTimeout time.Duration
	alerts         alerting.Dispatcher
	logger         *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithMaxAttempts 设置包含首次同步尝试在内的最大删除次数。
func WithMaxAttempts(attempts int) ProcessorOption {
	return func(p *Processor) {
		if attempts > 0 {
			p.maxAttempts = attempts
		}
	}
}

// WithRetryDelay 设置两次重试之间的等待时间。
func WithRetryDelay(delay time.Duration) ProcessorOption {
	return func(p *Processor) {
		if delay >= 0 {
			p.retryDelay = delay
		}
	}
}

// WithPublishTimeout 设置重投任务的最长等待时间，队列已满时消费协程不会无限阻塞。
func WithPublishTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.publishTimeout = timeout
		}
	}
}

// WithAlerts 在放弃回收时发出告警，被放弃的远端数据库需要人工清理。
func WithAlerts(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerts = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(service *Service, queue Queue, opts ...ProcessorOption) *Processor {
	p := &Processor{
		service:        service,
		consumer:       queue,
		producer:       queue,
		workerCount:    1,
		maxAttempts:    5,
		retryDelay:     10 * time.Second,
		publishTimeout: 5 * time.Second,
		logger:         logger.Named("reclaim-worker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.service == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置回收队列")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, payload []byte) error {
	job, err := DecodeJob(payload)
	if err != nil {
		// 无法解析的任务重投也不会成功，直接丢弃。
		p.logger.Error("丢弃无效回收任务", "error", err)
		return nil
	}

	job.Attempts++
	deleteErr := p.service.Delete(ctx, job.DatabaseID)
	if deleteErr == nil {
		metrics.RecordReclaim(string(OutcomeDeleted))
		logger.Audit().Info("reclaim_completed",
			"user", job.Username,
			"slot", job.Slot,
			"database_id", job.DatabaseID,
			"attempts", job.Attempts,
		)
		return nil
	}

	if job.Attempts >= p.maxAttempts {
		p.abandon(ctx, job, deleteErr, deleteErr)
		return nil
	}

	p.logger.Debug("回收失败，稍后重试", "database_id", job.DatabaseID, "attempts", job.Attempts, "error", deleteErr)
	if p.retryDelay > 0 {
		timer := time.NewTimer(p.retryDelay)
		select {
		case <-ctx.Done():
			// 停机时不再等待，任务立即写回队列。
			timer.Stop()
		case <-timer.C:
		}
	}

	next, err := job.Encode()
	if err != nil {
		return err
	}
	// 任务已经离开队列，ctx 取消后也必须写回，否则旧数据库会无声泄漏。
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.publishTimeout)
	defer cancel()
	if err := p.producer.Publish(publishCtx, next); err != nil {
		p.abandon(ctx, job, deleteErr, xerrors.Wrap(xerrors.CodeQueueFailure, err, "回收任务重投失败"))
		return nil
	}
	metrics.RecordReclaim(string(OutcomeQueued))
	return nil
}

// abandon 记录审计并发出告警。cause 是最后一次删除的错误，reason 说明放弃的原因。
func (p *Processor) abandon(ctx context.Context, job Job, cause, reason error) {
	metrics.RecordReclaim("abandoned")
	logger.Audit().Error("reclaim_abandoned",
		"user", job.Username,
		"slot", job.Slot,
		"database_id", job.DatabaseID,
		"attempts", job.Attempts,
		"error", cause.Error(),
		"reason", reason.Error(),
	)
	p.alert(context.WithoutCancel(ctx), job, cause)
}

func (p *Processor) alert(ctx context.Context, job Job, cause error) {
	if p.alerts == nil {
		return
	}
	event := alerting.Event{
		Code:        xerrors.CodeOf(cause),
		Message:     "远端数据库回收已放弃，需要人工清理",
		Severity:    xerrors.SeverityCritical,
		DatabaseID:  job.DatabaseID,
		Username:    job.Username,
		Slot:        job.Slot,
		Attempts:    job.Attempts,
		MaxAttempts: p.maxAttempts,
		OccurredAt:  time.Now().UTC(),
	}
	if err := p.alerts.Notify(ctx, event); err != nil {
		p.logger.Warn("发送回收告警失败", "database_id", job.DatabaseID, "error", err)
	}
}
