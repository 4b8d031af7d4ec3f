package scale

import (
	"bufio"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"
)

// Simulator is a mock weight-streaming device for tests and bench
// setups without hardware. It streams jittered weight frames, answers
// PING with PONG, SI with an immediate frame, and TARE/T/Z by zeroing
// with a short forced-zero window.
type Simulator struct {
	Interval       time.Duration
	JitterG        float64
	ForcedZeroSpan time.Duration

	mu        sync.Mutex
	weightG   float64
	zeroUntil time.Time
	ln        net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
}

func NewSimulator() *Simulator {
	return &Simulator{
		Interval:       100 * time.Millisecond,
		JitterG:        0.0005,
		ForcedZeroSpan: time.Second,
	}
}

// SetWeight places (or removes) mass on the simulated pan.
func (s *Simulator) SetWeight(g float64) {
	s.mu.Lock()
	s.weightG = g
	s.mu.Unlock()
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Simulator) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and serves
// connections until Close.
func (s *Simulator) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	go s.acceptLoop(ln)
	return nil
}

// Close stops the listener and drops every live connection.
func (s *Simulator) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

func (s *Simulator) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Simulator) serveConn(conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if s.conns == nil {
		s.conns = map[net.Conn]struct{}{}
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	stop := make(chan struct{})
	var once sync.Once
	closeStop := func() { once.Do(func() { close(stop) }) }
	defer closeStop()

	go func() {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := fmt.Fprintln(conn, s.frame()); err != nil {
					closeStop()
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		switch strings.ToUpper(strings.TrimSpace(scanner.Text())) {
		case CmdPing:
			fmt.Fprintln(conn, ReplyPong)
		case CmdTare, "T", "Z":
			s.mu.Lock()
			s.weightG = 0
			s.zeroUntil = time.Now().Add(s.ForcedZeroSpan)
			s.mu.Unlock()
			fmt.Fprintln(conn, "ST,+0000.000 g")
		case CmdReading:
			fmt.Fprintln(conn, s.frame())
		}
	}
}

func (s *Simulator) frame() string {
	s.mu.Lock()
	w := s.weightG
	forced := time.Now().Before(s.zeroUntil)
	s.mu.Unlock()
	if forced {
		return "ST,+0000.000 g"
	}
	jitter := (rand.Float64()*2 - 1) * s.JitterG
	v := w + jitter
	status := "ST"
	sign := "+"
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s,%s%09.3f g", status, sign, v)
}
