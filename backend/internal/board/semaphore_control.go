package board

import (
	"context"
	"errors"
)

// DefaultMaxConcurrent 同时在执行的变更请求上限
const DefaultMaxConcurrent = 100

var (
	ErrBusy            = errors.New("too many concurrent mutations")
	errReleaseNotTaken = errors.New("release failed, semaphore is not acquired")
)

type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultMaxConcurrent
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

// Acquire 等到有空位或 ctx 结束
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrBusy
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errReleaseNotTaken
	}
}
