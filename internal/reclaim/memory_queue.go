package reclaim

import (
	"context"
	"errors"
	"sync"
)

// MemoryQueue 使用 channel 实现进程内队列，进程退出时未处理的任务会丢失。
type MemoryQueue struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan []byte, size)}
}

// Publish 将任务投递到队列。队列已满时等待到 ctx 结束，等待期间不持有锁。
func (q *MemoryQueue) Publish(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- append([]byte(nil), payload...):
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的任务，直到 ctx 结束。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				// 停机时写回队列的任务留在队列里，不再被取出。
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case payload := <-q.ch:
					_ = handler(ctx, payload)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Len 返回尚未消费的任务数。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 拒绝之后的投递。channel 不会被关闭，消费协程随 ctx 退出。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
