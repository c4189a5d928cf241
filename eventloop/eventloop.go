// Package eventloop implements the daemon's single-threaded cooperative
// demultiplexer (spec.md §4.1): fd readiness, timers, and child-process
// exits all funnel through one Run loop so that no two callbacks ever run
// concurrently. Every blocking primitive in the rest of the daemon is
// expressed as a registration against this loop rather than a bare
// goroutine, which is what gives the lifecycle engine its "no locks needed"
// property (spec.md §5).
package eventloop

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Handle identifies a registered event so it can later be removed. Removing
// a handle from inside its own callback is defined behavior (spec.md §4.1).
type Handle uint64

// FDEvent is the set of readiness conditions a watcher cares about.
type FDEvent uint8

const (
	FDReadable FDEvent = 1 << iota
	FDWritable
	FDException
)

type fdWatch struct {
	fd       int
	events   FDEvent
	callback func(FDEvent)
}

type timerEntry struct {
	handle   Handle
	next     time.Time
	interval time.Duration // zero for one-shot
	callback func()
	removed  bool
}

// ChildExitFunc is invoked once for each reaped child, with its pid and wait
// status.
type ChildExitFunc func(pid int, status syscall.WaitStatus)

// Loop is the event-loop substrate. It is not safe for concurrent use except
// for Stop, which may be called from any goroutine (e.g. a signal handler).
type Loop struct {
	mu        sync.Mutex
	nextID    uint64
	fds       map[Handle]*fdWatch
	timers    map[Handle]*timerEntry
	onChild   []ChildExitFunc
	wakeR     *os.File
	wakeW     *os.File
	sigChildR *os.File
	sigChildW *os.File
	stopped   bool
	pollFD    int
}

// New constructs a Loop. SIGCHLD delivery is wired through a self-pipe per
// the standard async-signal-safe pattern: the signal handler writes one byte
// and the loop's poll wakes and reaps via waitpid(WNOHANG) in a loop.
func New() (*Loop, error) {
	wakeR, wakeW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	sigR, sigW, err := os.Pipe()
	if err != nil {
		wakeR.Close()
		wakeW.Close()
		return nil, err
	}
	pollFD, err := unix.EpollCreate1(0)
	if err != nil {
		wakeR.Close()
		wakeW.Close()
		sigR.Close()
		sigW.Close()
		return nil, err
	}
	l := &Loop{
		fds:       make(map[Handle]*fdWatch),
		timers:    make(map[Handle]*timerEntry),
		wakeR:     wakeR,
		wakeW:     wakeW,
		sigChildR: sigR,
		sigChildW: sigW,
		pollFD:    pollFD,
	}
	if err := unix.EpollCtl(pollFD, unix.EPOLL_CTL_ADD, int(wakeR.Fd()), &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeR.Fd())}); err != nil {
		l.Close()
		return nil, err
	}
	if err := unix.EpollCtl(pollFD, unix.EPOLL_CTL_ADD, int(sigR.Fd()), &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(sigR.Fd())}); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the loop's kernel resources. Call after Run returns.
func (l *Loop) Close() {
	if l.pollFD != 0 {
		unix.Close(l.pollFD)
	}
	l.wakeR.Close()
	l.wakeW.Close()
	l.sigChildR.Close()
	l.sigChildW.Close()
}

// NotifyChildSignal writes one byte to the loop's SIGCHLD self-pipe and
// does nothing else. cmd/cmld installs no SIGCHLD handler that calls it.
func (l *Loop) NotifyChildSignal() {
	l.sigChildW.Write([]byte{1})
}

// AddFD registers interest in readiness on fd; callback runs on the loop
// goroutine with the triggering event set.
func (l *Loop) AddFD(fd int, events FDEvent, callback func(FDEvent)) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	h := Handle(l.nextID)
	l.fds[h] = &fdWatch{fd: fd, events: events, callback: callback}
	epollEvents := epollMask(events)
	if err := unix.EpollCtl(l.pollFD, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: epollEvents, Fd: int32(fd)}); err != nil {
		delete(l.fds, h)
		return 0, err
	}
	return h, nil
}

func epollMask(events FDEvent) uint32 {
	var mask uint32
	if events&FDReadable != 0 {
		mask |= unix.EPOLLIN
	}
	if events&FDWritable != 0 {
		mask |= unix.EPOLLOUT
	}
	if events&FDException != 0 {
		mask |= unix.EPOLLERR | unix.EPOLLHUP
	}
	return mask
}

// RemoveFD deregisters a previously-added fd watch.
func (l *Loop) RemoveFD(h Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.fds[h]
	if !ok {
		return
	}
	unix.EpollCtl(l.pollFD, unix.EPOLL_CTL_DEL, w.fd, nil)
	delete(l.fds, h)
}

// AddTimer schedules callback to run after d. If interval is non-zero the
// timer repeats; a repeating timer that falls behind coalesces to a single
// catch-up invocation (spec.md §4.1).
func (l *Loop) AddTimer(d, interval time.Duration, callback func()) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	h := Handle(l.nextID)
	l.timers[h] = &timerEntry{handle: h, next: time.Now().Add(d), interval: interval, callback: callback}
	return h
}

// RemoveTimer cancels a pending or repeating timer.
func (l *Loop) RemoveTimer(h Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[h]; ok {
		t.removed = true
		delete(l.timers, h)
	}
}

// OnChildExit registers a callback invoked once per reaped child process.
func (l *Loop) OnChildExit(fn ChildExitFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChild = append(l.onChild, fn)
}

// Stop requests the loop to return from Run at the next iteration.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.wakeW.Write([]byte{1})
}

// Run drives the loop until Stop is called or ctx is done. Callbacks run to
// completion before the next event is processed — there is no re-entrancy.
func (l *Loop) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.Stop()
	}()
	events := make([]unix.EpollEvent, 32)
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return nil
		}
		timeout := l.nextTimeoutMS()
		l.mu.Unlock()

		n, err := unix.EpollWait(l.pollFD, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		l.fireTimers()
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case int(l.wakeR.Fd()):
				drain(l.wakeR)
			case int(l.sigChildR.Fd()):
				drain(l.sigChildR)
				l.reapChildren()
			default:
				l.fireFD(fd, events[i].Events)
			}
		}
	}
}

func drain(f *os.File) {
	buf := make([]byte, 64)
	for {
		n, err := f.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}

func (l *Loop) fireFD(fd int, epollEvents uint32) {
	l.mu.Lock()
	var watch *fdWatch
	for _, w := range l.fds {
		if w.fd == fd {
			watch = w
			break
		}
	}
	l.mu.Unlock()
	if watch == nil {
		return
	}
	var fired FDEvent
	if epollEvents&unix.EPOLLIN != 0 {
		fired |= FDReadable
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		fired |= FDWritable
	}
	if epollEvents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		fired |= FDException
	}
	watch.callback(fired)
}

// nextTimeoutMS returns the epoll_wait timeout in ms needed to not miss the
// next timer deadline, or -1 (block indefinitely) if there are none.
func (l *Loop) nextTimeoutMS() int {
	if len(l.timers) == 0 {
		return -1
	}
	now := time.Now()
	soonest := time.Duration(0)
	found := false
	for _, t := range l.timers {
		d := t.next.Sub(now)
		if !found || d < soonest {
			soonest = d
			found = true
		}
	}
	if soonest < 0 {
		return 0
	}
	return int(soonest.Milliseconds())
}

// fireTimers invokes every timer whose deadline has passed. A repeating
// timer that has fallen behind (its next deadline is already in the past
// after rescheduling once) is coalesced: it gets exactly one invocation this
// pass, and its next deadline is recomputed from now rather than stacking up
// missed fires.
func (l *Loop) fireTimers() {
	now := time.Now()
	var due []*timerEntry
	l.mu.Lock()
	for _, t := range l.timers {
		if !t.next.After(now) {
			due = append(due, t)
		}
	}
	for _, t := range due {
		if t.interval > 0 {
			t.next = now.Add(t.interval)
		} else {
			delete(l.timers, t.handle)
		}
	}
	l.mu.Unlock()

	for _, t := range due {
		if !t.removed {
			t.callback()
		}
	}
}

func (l *Loop) reapChildren() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		l.mu.Lock()
		callbacks := append([]ChildExitFunc(nil), l.onChild...)
		l.mu.Unlock()
		for _, cb := range callbacks {
			cb(pid, status)
		}
	}
}

// Logger is a small seam so callers can attach structured logging without
// this package importing a concrete slog handler configuration.
var Logger = slog.Default()
