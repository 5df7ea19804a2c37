package connectivity

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

// recordingMonitor starts offline, like a queue configured with start_online = false.
type recordingMonitor struct {
	mu     sync.Mutex
	online bool
	states []bool
}

func (m *recordingMonitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
	m.states = append(m.states, online)
}

func (m *recordingMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// override flips the flag without recording a transition, like an operator toggle.
func (m *recordingMonitor) override(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

func (m *recordingMonitor) snapshot() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.states...)
}

// scriptedCheck returns results in order and then keeps returning the last one.
func scriptedCheck(results ...error) CheckFunc {
	var mu sync.Mutex
	return func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		err := results[0]
		if len(results) > 1 {
			results = results[1:]
		}
		return err
	}
}

func TestProbeReportsTransitionsOnly(t *testing.T) {
	down := errors.New("connection refused")
	mon := &recordingMonitor{}
	p, err := NewProber(scriptedCheck(nil, nil, down, down, down, nil), mon, Config{Interval: time.Second, FailureThreshold: 2}, log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}
	for range 6 {
		p.Probe(context.Background())
	}
	got := mon.snapshot()
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestProbeFirstFailureBelowThresholdStaysSilent(t *testing.T) {
	mon := &recordingMonitor{}
	p, err := NewProber(scriptedCheck(errors.New("timeout")), mon, Config{Interval: time.Second, FailureThreshold: 3}, log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}
	p.Probe(context.Background())
	p.Probe(context.Background())
	if got := mon.snapshot(); len(got) != 0 {
		t.Fatalf("expected no transitions, got %v", got)
	}
	p.Probe(context.Background())
	if got := mon.snapshot(); len(got) != 1 || got[0] {
		t.Fatalf("expected one offline transition, got %v", got)
	}
}

func TestProbeCorrectsManualOverride(t *testing.T) {
	down := errors.New("connection refused")
	mon := &recordingMonitor{}
	p, err := NewProber(scriptedCheck(nil, nil, nil, down, down), mon, Config{Interval: time.Second, FailureThreshold: 2}, log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}
	p.Probe(context.Background())
	mon.override(false)
	p.Probe(context.Background())
	if !mon.Online() {
		t.Fatal("expected healthy probe to restore online after offline override")
	}

	mon.override(true)
	p.Probe(context.Background())
	if !mon.Online() {
		t.Fatal("expected healthy probe to leave online override alone")
	}
	p.Probe(context.Background())
	p.Probe(context.Background())
	if mon.Online() {
		t.Fatal("expected failures past threshold to report offline")
	}
	got := mon.snapshot()
	want := []bool{true, true, false}
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestRunStopsWithContext(t *testing.T) {
	mon := &recordingMonitor{}
	p, err := NewProber(scriptedCheck(nil), mon, Config{Interval: 5 * time.Millisecond}, log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(mon.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if got := mon.snapshot(); len(got) != 1 || !got[0] {
		t.Fatalf("expected a single online transition, got %v", got)
	}
}

func TestNewProberValidates(t *testing.T) {
	if _, err := NewProber(nil, &recordingMonitor{}, Config{Interval: time.Second}, nil); err == nil {
		t.Fatal("expected error for nil check")
	}
	if _, err := NewProber(scriptedCheck(nil), &recordingMonitor{}, Config{}, nil); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
