package queue

import (
	"context"
	"errors"
)

// ErrQueueFull 是入队背压信号：队列已满，调用方应走兜底通道而不是阻塞等待。
var ErrQueueFull = errors.New("finalize queue full")

// Memory 是有界的进程内 FinalizeJob 队列，把请求路径和耗时的终结工作解耦。
// Enqueue 永不阻塞；队列满时返回 ErrQueueFull。
type Memory struct {
	ch chan FinalizeJob
}

func NewMemory(size int) *Memory {
	return &Memory{ch: make(chan FinalizeJob, size)}
}

// Enqueue 立即返回；满则背压。
func (m *Memory) Enqueue(_ context.Context, job FinalizeJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	select {
	case m.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Jobs 暴露消费端通道，供 worker 循环取任务。
func (m *Memory) Jobs() <-chan FinalizeJob { return m.ch }

// Len 返回当前积压数量（观测用）。
func (m *Memory) Len() int { return len(m.ch) }
