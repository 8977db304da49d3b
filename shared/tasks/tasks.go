// Package tasks runs long-lived goroutines under a restart supervisor.
package tasks

import (
	"runtime/debug"
	"time"

	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
)

const restartDelay = 5 * time.Second

// Supervise runs fn in the calling goroutine and restarts it after a crash
// while active() holds. A normal return is treated as completion, not a
// crash; panics never cross the task boundary.
func Supervise(name string, active func() bool, fn func()) {
	for {
		crashed := run(name, fn)
		if !crashed || !active() {
			return
		}
		zaplogger.Warn("task: restarting after crash", zaplogger.Fields{"task": name, "delay": restartDelay})
		time.Sleep(restartDelay)
		if !active() {
			return
		}
	}
}

func run(name string, fn func()) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			zaplogger.Error("task: crashed", zaplogger.Fields{
				"task":  name,
				"panic": r,
				"stack": string(debug.Stack()),
			})
		}
	}()
	fn()
	return false
}
