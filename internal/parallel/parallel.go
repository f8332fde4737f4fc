// Package parallel runs independent index-addressed tasks, either inline or on
// a shared worker pool.
package parallel

import (
	"fmt"
	"runtime"
	"sync"
)

// Mode selects how For distributes its tasks.
type Mode int

const (
	Sequential Mode = iota
	Parallel
)

func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ModeOf maps a "parallel" switch to a Mode.
func ModeOf(enabled bool) Mode {
	if enabled {
		return Parallel
	}
	return Sequential
}

type rangeTask struct {
	task   func(int)
	rs, re int
	done   chan struct{}
}

type pool struct {
	size      int
	tasks     chan rangeTask
	doneSlots chan chan struct{}
}

var (
	workPool     *pool
	workPoolOnce sync.Once
)

func getPool() *pool {
	workPoolOnce.Do(func() {
		workPool = newPool()
	})
	return workPool
}

func newPool() *pool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &pool{
		size:      size,
		tasks:     make(chan rangeTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		// Each caller submits at most size chunks, so workers never block on done.
		p.doneSlots <- make(chan struct{}, size)
	}
	for i := 0; i < size; i++ {
		go func() {
			for t := range p.tasks {
				for i := t.rs; i < t.re; i++ {
					t.task(i)
				}
				t.done <- struct{}{}
			}
		}()
	}
	return p
}

// Workers is the number of goroutines For spreads work over in Parallel mode.
func Workers() int {
	return getPool().size
}

// For calls task(i) for every i in [0, n) and returns once all calls have
// finished. In Parallel mode the indices are split into contiguous chunks run
// on the pool; no ordering between indices is guaranteed. Tasks must not call
// For themselves.
func For(mode Mode, n int, task func(i int)) {
	if n <= 0 {
		return
	}
	if mode == Sequential || n == 1 {
		for i := 0; i < n; i++ {
			task(i)
		}
		return
	}

	p := getPool()
	workers := min(p.size, n)
	if workers <= 1 {
		for i := 0; i < n; i++ {
			task(i)
		}
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-p.doneSlots

	active := 0
	for i := 0; i < workers; i++ {
		rs := i * chunk
		re := min(rs+chunk, n)
		if rs >= re {
			break
		}
		active++
		p.tasks <- rangeTask{task: task, rs: rs, re: re, done: done}
	}

	for i := 0; i < active; i++ {
		<-done
	}
	p.doneSlots <- done
}
