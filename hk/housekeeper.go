// Package hk provides mechanism for registering cleanup
// functions which are invoked at specified intervals.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/frogfishio/zingcore/cmn/debug"
	"github.com/frogfishio/zingcore/cmn/mono"
	"github.com/frogfishio/zingcore/cmn/nlog"
)

// CleanupFunc runs a housekeeping action and returns the interval until its
// next run; a non-positive interval unregisters the action.
type CleanupFunc func() time.Duration

const DayInterval = 24 * time.Hour

type (
	request struct {
		name            string
		f               CleanupFunc
		initialInterval time.Duration
		registering     bool
	}

	timedAction struct {
		name       string
		f          CleanupFunc
		updateTime int64
	}
	timedActions []timedAction

	housekeeper struct {
		stopCh  chan struct{}
		sigCh   chan request
		actions *timedActions
		timer   *time.Timer
		running sync.WaitGroup
	}
)

var DefaultHK *housekeeper

func init() {
	DefaultHK = &housekeeper{
		stopCh:  make(chan struct{}),
		sigCh:   make(chan request, 16),
		actions: &timedActions{},
	}
	heap.Init(DefaultHK.actions)
}

// interface guard
var _ heap.Interface = (*timedActions)(nil)

func (tc timedActions) Len() int            { return len(tc) }
func (tc timedActions) Less(i, j int) bool  { return tc[i].updateTime < tc[j].updateTime }
func (tc timedActions) Swap(i, j int)       { tc[i], tc[j] = tc[j], tc[i] }
func (tc timedActions) Peek() *timedAction  { return &tc[0] }
func (tc *timedActions) Push(x any)         { *tc = append(*tc, x.(timedAction)) }
func (tc *timedActions) Pop() any {
	old := *tc
	n := len(old)
	item := old[n-1]
	*tc = old[:n-1]
	return item
}

// Reg registers a cleanup callback under a unique name.
func Reg(name string, f CleanupFunc, initialInterval time.Duration) {
	DefaultHK.sigCh <- request{
		registering:     true,
		name:            name,
		f:               f,
		initialInterval: initialInterval,
	}
}

// Unreg removes a previously registered callback.
func Unreg(name string) {
	DefaultHK.sigCh <- request{registering: false, name: name}
}

// Run drives the action heap until Stop.
func Run() {
	DefaultHK.running.Add(1)
	go DefaultHK.run()
}

func Stop() {
	close(DefaultHK.stopCh)
	DefaultHK.running.Wait()
}

func (hk *housekeeper) run() {
	defer hk.running.Done()
	hk.timer = time.NewTimer(time.Hour)
	defer hk.timer.Stop()
	for {
		select {
		case <-hk.stopCh:
			return
		case <-hk.timer.C:
			if hk.actions.Len() == 0 {
				break
			}
			// Run all due actions, rescheduling or dropping by the
			// returned interval.
			now := mono.NanoTime()
			for hk.actions.Len() > 0 && hk.actions.Peek().updateTime <= now {
				action := heap.Pop(hk.actions).(timedAction)
				interval := action.f()
				if interval <= 0 {
					nlog.Infof("hk: %q unregistered itself", action.name)
					continue
				}
				action.updateTime = now + int64(interval)
				heap.Push(hk.actions, action)
			}
		case req := <-hk.sigCh:
			if req.registering {
				debug.AssertFunc(func() bool {
					for _, a := range *hk.actions {
						if a.name == req.name {
							return false
						}
					}
					return true
				}, req.name)
				heap.Push(hk.actions, timedAction{
					name:       req.name,
					f:          req.f,
					updateTime: mono.NanoTime() + int64(req.initialInterval),
				})
			} else {
				for i, a := range *hk.actions {
					if a.name == req.name {
						heap.Remove(hk.actions, i)
						break
					}
				}
			}
		}
		hk.updateTimer()
	}
}

func (hk *housekeeper) updateTimer() {
	if hk.actions.Len() == 0 {
		hk.timer.Reset(time.Hour)
		return
	}
	d := time.Duration(hk.actions.Peek().updateTime - mono.NanoTime())
	if d < 0 {
		d = 0
	}
	hk.timer.Reset(d)
}
