package scale

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Scheduler abstracts timer creation so tests can drive reconnect and
// keep-alive timing with virtual time.
type Scheduler interface {
	After(d time.Duration) <-chan time.Time
}

type realScheduler struct{}

func (realScheduler) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Backoff is an explicit retry policy: the attempt number indexes into
// Steps and clamps at the last entry.
type Backoff struct {
	Steps []time.Duration
}

func (b Backoff) Step(attempt int) time.Duration {
	if len(b.Steps) == 0 {
		return time.Second
	}
	if attempt >= len(b.Steps) {
		attempt = len(b.Steps) - 1
	}
	if attempt < 0 {
		attempt = 0
	}
	return b.Steps[attempt]
}

// ClientBackoff is the UI-facing sequence: 1s doubling, capped at 8s.
func ClientBackoff() Backoff {
	return Backoff{Steps: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}}
}

// BridgeBackoff is the device-bridge sequence: 1s, 2s, 5s, 5s.
func BridgeBackoff() Backoff {
	return Backoff{Steps: []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 5 * time.Second}}
}

// Options configure a Link.
type Options struct {
	Addr      string
	Backoff   Backoff
	Scheduler Scheduler
	// KeepAlive enables bridge-mode liveness probing: when the device
	// has been silent longer than this interval a PING is sent, and
	// continued silence forces a close-and-reconnect. Zero disables it.
	KeepAlive time.Duration
	Dial      func(addr string) (net.Conn, error)
	Logf      func(format string, args ...any)
}

// Link maintains a live, reconnecting duplex channel to a
// weight-streaming device. Transport errors are never fatal: they
// degrade to a disconnected state and the retry loop takes over until
// Close is called.
type Link struct {
	opts Options

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	subs      map[int]func(Frame)
	states    map[int]func(bool)
	nextID    int
	closed    bool

	done chan struct{}
	once sync.Once
}

func NewLink(opts Options) *Link {
	if opts.Scheduler == nil {
		opts.Scheduler = realScheduler{}
	}
	if len(opts.Backoff.Steps) == 0 {
		opts.Backoff = ClientBackoff()
	}
	if opts.Dial == nil {
		opts.Dial = func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, 5*time.Second)
		}
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	return &Link{
		opts:   opts,
		subs:   map[int]func(Frame){},
		states: map[int]func(bool){},
		done:   make(chan struct{}),
	}
}

// Start opens the channel and keeps it open until Close.
func (l *Link) Start() {
	go l.run()
}

// Subscribe registers a listener for every inbound frame. The returned
// unsubscribe func is idempotent.
func (l *Link) Subscribe(fn func(Frame)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
}

// SubscribeState registers a listener for connect/disconnect edges.
func (l *Link) SubscribeState(fn func(connected bool)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.states[id] = fn
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.states, id)
			l.mu.Unlock()
		})
	}
}

// Connected reports the current channel state. A reading having been
// delivered does not imply a live connection; only this does, and only
// at the instant it is read.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Tare zeroes the device. Best effort: silently no-ops when the
// channel is down.
func (l *Link) Tare() { l.send(CmdTare) }

// Ping asks the device for a PONG. Best effort.
func (l *Link) Ping() { l.send(CmdPing) }

// RequestReading asks for one immediate reading. Best effort.
func (l *Link) RequestReading() { l.send(CmdReading) }

func (l *Link) send(verb string) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := fmt.Fprintf(conn, "%s\n", verb); err != nil {
		// A failed write means the conn is dying; the read loop will
		// notice and trigger reconnect.
		l.opts.Logf("scale: send %s failed: %v", verb, err)
	}
}

// Close stops reconnect attempts and releases the channel. Safe to
// call more than once and during teardown.
func (l *Link) Close() {
	l.once.Do(func() {
		close(l.done)
	})
	l.mu.Lock()
	l.closed = true
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()
}

func (l *Link) run() {
	attempt := 0
	for {
		select {
		case <-l.done:
			return
		default:
		}
		conn, err := l.opts.Dial(l.opts.Addr)
		if err != nil {
			l.opts.Logf("scale: dial %s: %v", l.opts.Addr, err)
			select {
			case <-l.done:
				return
			case <-l.opts.Scheduler.After(l.opts.Backoff.Step(attempt)):
			}
			attempt++
			continue
		}
		attempt = 0
		l.setConn(conn, true)
		l.serve(conn)
		l.setConn(nil, false)
		select {
		case <-l.done:
			return
		case <-l.opts.Scheduler.After(l.opts.Backoff.Step(attempt)):
		}
		attempt++
	}
}

func (l *Link) setConn(conn net.Conn, connected bool) {
	l.mu.Lock()
	if l.closed && conn != nil {
		l.mu.Unlock()
		conn.Close()
		return
	}
	old := l.conn
	l.conn = conn
	l.connected = connected
	states := make([]func(bool), 0, len(l.states))
	for _, fn := range l.states {
		states = append(states, fn)
	}
	l.mu.Unlock()
	if old != nil && old != conn {
		old.Close()
	}
	for _, fn := range states {
		fn(connected)
	}
}

// serve reads lines until the connection dies. With keep-alive
// enabled, silence past the interval triggers a PING; silence past a
// second interval abandons the connection.
func (l *Link) serve(conn net.Conn) {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-l.done:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	pingPending := false
	for {
		var quiet <-chan time.Time
		if l.opts.KeepAlive > 0 {
			quiet = l.opts.Scheduler.After(l.opts.KeepAlive)
		}
		select {
		case <-l.done:
			conn.Close()
			return
		case err := <-readErr:
			if err != nil {
				l.opts.Logf("scale: read: %v", err)
			}
			conn.Close()
			return
		case line := <-lines:
			pingPending = false
			l.dispatch(ParseFrame(line))
		case <-quiet:
			if pingPending {
				l.opts.Logf("scale: keep-alive probe unanswered, reconnecting")
				conn.Close()
				return
			}
			pingPending = true
			l.Ping()
		}
	}
}

func (l *Link) dispatch(f Frame) {
	l.mu.Lock()
	subs := make([]func(Frame), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()
	for _, fn := range subs {
		fn(f)
	}
}
