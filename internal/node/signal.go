package node

import (
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

func runtimeStack(buf []byte) int { return runtime.Stack(buf, true) }

var signalOnce sync.Once

// InstallFatalSignalHandler registers the process-wide fatal-signal
// backtrace handler spec §6 requires ("one global signal handler for
// fatal-signal backtraces is registered at startup... process-lifetime
// scope"). Go's runtime already prints a full goroutine dump on
// SIGSEGV/SIGABRT; this only widens the traceback level once and adds
// a SIGQUIT hook an operator can send to pull a live dump without
// killing the process. Calling this twice is a no-op (§9 "no subsystem
// is allowed to re-initialize them").
func InstallFatalSignalHandler() {
	signalOnce.Do(func() {
		debug.SetTraceback("all")

		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGQUIT)
		go func() {
			log, _ := zap.NewProduction()
			for range ch {
				buf := make([]byte, 1<<20)
				n := runtimeStack(buf)
				log.Error("fatal-signal: dumping goroutine stacks", zap.ByteString("stack", buf[:n]))
			}
		}()
	})
}
