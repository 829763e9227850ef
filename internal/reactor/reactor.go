// Package reactor implements the single-threaded cooperative I/O reactor
// the RTP-MIDI peer and client run on: readability watchers on UDP sockets,
// one-shot and repeating timers, dispatched from one owner goroutine.
//
// Go's runtime netpoller already turns blocking reads into non-blocking,
// epoll/kqueue-backed waits under the hood; this package leans on that
// instead of re-implementing raw fd polling; a small per-socket goroutine
// does nothing but call ReadFrom and hand the result to the reactor
// goroutine over a channel. That goroutine never touches peer or client
// state — only the reactor goroutine's RunOnce/Run does — so every peer
// and client method stays single-writer even though more than one OS
// thread of control exists.
//
// This mirrors a dedicated reader/sender goroutine that only ever talks
// to the rest of the program through a channel, generalized into a
// reusable reactor.
package reactor

import (
	"net"
	"sort"
	"time"

	"github.com/1ureka/rtpmidi/internal/token"
)

// Conn is the minimal readability surface a watched socket must expose.
// *net.UDPConn and any in-process fake socket used for tests satisfy it.
type Conn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
}

const maxDatagram = 1500

// fdEvent is what a watcher goroutine hands to the reactor loop.
type fdEvent struct {
	id   uint64
	data []byte
	addr net.Addr
	err  error
}

type fdWatcher struct {
	id       uint64
	cb       func(data []byte, addr net.Addr, err error)
	stopCh   chan struct{}
	resumeCh chan struct{}
	stopped  bool
}

func (w *fdWatcher) loop(conn Conn, post chan<- fdEvent) {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFrom(buf)

		var data []byte
		if n > 0 {
			data = append([]byte(nil), buf[:n]...)
		}

		select {
		case post <- fdEvent{id: w.id, data: data, addr: addr, err: err}:
		case <-w.stopCh:
			return
		}

		if err != nil {
			return
		}

		select {
		case <-w.resumeCh:
		case <-w.stopCh:
			return
		}
	}
}

type timerEntry struct {
	id        uint64
	fireAt    time.Time
	period    time.Duration // 0 for one-shot
	cb        func()
	cancelled bool
}

// Reactor is a single-threaded I/O and timer dispatcher. All exported
// methods must be called from the same goroutine (normally the goroutine
// running Run/RunOnce); the reactor itself performs no internal locking.
type Reactor struct {
	nextID uint64

	fds    map[uint64]*fdWatcher
	readyC chan fdEvent

	timers []timerEntry
}

// New creates an idle Reactor. It owns no goroutines until AddFDIn is
// called.
func New() *Reactor {
	return &Reactor{
		fds:    make(map[uint64]*fdWatcher),
		readyC: make(chan fdEvent, 64),
	}
}

// AddFDIn registers conn for readability. cb is invoked on the reactor
// goroutine with the datagram payload, source address, and any read error.
// Closing the returned token deregisters the watcher; the underlying
// goroutine exits at latest on its next read completion.
func (r *Reactor) AddFDIn(conn Conn, cb func(data []byte, addr net.Addr, err error)) *token.Token {
	id := r.nextID
	r.nextID++

	w := &fdWatcher{
		id:       id,
		cb:       cb,
		stopCh:   make(chan struct{}),
		resumeCh: make(chan struct{}),
	}
	r.fds[id] = w
	go w.loop(conn, r.readyC)

	return token.New(func() { r.removeFD(id) })
}

func (r *Reactor) removeFD(id uint64) {
	w, ok := r.fds[id]
	if !ok {
		return
	}
	delete(r.fds, id)
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}

// AddTimer schedules cb to run once, after delay has elapsed. Closing the
// token before it fires cancels it.
func (r *Reactor) AddTimer(delay time.Duration, cb func()) *token.Token {
	return r.addTimer(delay, 0, cb)
}

// AddRepeat schedules cb to run every period, starting after the first
// period elapses. Closing the token stops future firings.
func (r *Reactor) AddRepeat(period time.Duration, cb func()) *token.Token {
	return r.addTimer(period, period, cb)
}

func (r *Reactor) addTimer(delay, period time.Duration, cb func()) *token.Token {
	id := r.nextID
	r.nextID++
	r.timers = append(r.timers, timerEntry{
		id:     id,
		fireAt: time.Now().Add(delay),
		period: period,
		cb:     cb,
	})
	return token.New(func() { r.cancelTimer(id) })
}

func (r *Reactor) cancelTimer(id uint64) {
	for i := range r.timers {
		if r.timers[i].id == id {
			r.timers[i].cancelled = true
			return
		}
	}
}

// RunOnce blocks until either a timer becomes due or an fd event arrives,
// bounded by maxWait, then dispatches every callback that is due: all due
// timers first (in order of due time, registration order on ties), then
// every fd event already queued, in arrival order. New registrations and
// timer cancellations made by a callback take effect starting with the next
// RunOnce call; removing an fd watcher takes effect at once, and events
// already queued for it are dropped.
func (r *Reactor) RunOnce(maxWait time.Duration) {
	now := time.Now()
	wait := maxWait
	if d, ok := r.nextTimerDelay(now); ok && d < wait {
		wait = d
	}
	if wait < 0 {
		wait = 0
	}

	var first *fdEvent
	if wait == 0 {
		select {
		case e := <-r.readyC:
			first = &e
		default:
		}
	} else {
		timer := time.NewTimer(wait)
		select {
		case e := <-r.readyC:
			first = &e
		case <-timer.C:
		}
		timer.Stop()
	}

	r.fireDueTimers(time.Now())

	if first != nil {
		r.dispatchFD(*first)
	}
	// Drain any further events already queued so a burst of readiness is
	// fully handled within one RunOnce call.
	for {
		select {
		case e := <-r.readyC:
			r.dispatchFD(e)
		default:
			return
		}
	}
}

// Run calls RunOnce in a loop, waking at least every tick to observe stop,
// until stop is closed.
func (r *Reactor) Run(stop <-chan struct{}, tick time.Duration) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		r.RunOnce(tick)
	}
}

func (r *Reactor) nextTimerDelay(now time.Time) (time.Duration, bool) {
	found := false
	var soonest time.Time
	for _, t := range r.timers {
		if t.cancelled {
			continue
		}
		if !found || t.fireAt.Before(soonest) {
			soonest = t.fireAt
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return soonest.Sub(now), true
}

// dueFire is a snapshot of one timer's firing decision, taken before any
// callback in this batch runs so a callback that cancels another
// already-due timer cannot suppress it mid-batch — that cancellation, like
// any other registration-set mutation during dispatch, applies starting
// with the next call to fireDueTimers.
type dueFire struct {
	fireAt time.Time
	cb     func()
}

func (r *Reactor) fireDueTimers(now time.Time) {
	n := len(r.timers)
	due := make([]dueFire, 0, n)
	for i := 0; i < n; i++ {
		t := &r.timers[i]
		if t.cancelled || t.fireAt.After(now) {
			continue
		}
		due = append(due, dueFire{fireAt: t.fireAt, cb: t.cb})
		if t.period > 0 {
			t.fireAt = now.Add(t.period)
		} else {
			t.cancelled = true
		}
	}
	sort.SliceStable(due, func(a, b int) bool { return due[a].fireAt.Before(due[b].fireAt) })

	for _, d := range due {
		d.cb()
	}

	r.compactTimers()
}

func (r *Reactor) compactTimers() {
	live := r.timers[:0]
	for _, t := range r.timers {
		if !t.cancelled {
			live = append(live, t)
		}
	}
	r.timers = live
}

func (r *Reactor) dispatchFD(e fdEvent) {
	w, ok := r.fds[e.id]
	if !ok {
		return
	}
	if e.err != nil {
		r.removeFD(e.id)
	} else {
		// Allow the watcher's goroutine to issue its next read only after
		// this callback has run, so the same fd is never re-entered.
		defer func() {
			if !w.stopped {
				select {
				case w.resumeCh <- struct{}{}:
				case <-w.stopCh:
				}
			}
		}()
	}
	w.cb(e.data, e.addr, e.err)
}
