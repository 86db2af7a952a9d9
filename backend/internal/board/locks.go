package board

import (
	"sync"

	"boardServer/backend/internal/model"
)

// containerLocks 每个容器一把互斥锁，无人持有时回收
type containerLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newContainerLocks() *containerLocks {
	return &containerLocks{locks: make(map[string]*refLock)}
}

func (c *containerLocks) Lock(kind model.Kind, containerID string) (unlock func()) {
	key := string(kind) + ":" + containerID

	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &refLock{}
		c.locks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}
