// File: core/signal_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package core

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/momentics/goloop/internal/waker"
)

func TestSignalManagerRefcountsAndDeliversInOrder(t *testing.T) {
	w, err := waker.New()
	if err != nil {
		t.Fatalf("waker.New: %v", err)
	}
	defer w.Close()

	m := newSignalManager(w, nil)

	var mu sync.Mutex
	var order []string
	s1 := &SignalSubscription{Num: syscall.SIGUSR1, Callback: func(os.Signal) {
		mu.Lock()
		order = append(order, "s1")
		mu.Unlock()
	}}
	s2 := &SignalSubscription{Num: syscall.SIGUSR1, Callback: func(os.Signal) {
		mu.Lock()
		order = append(order, "s2")
		mu.Unlock()
	}}

	if err := m.add(s1); err != nil {
		t.Fatalf("add s1: %v", err)
	}
	if err := m.add(s2); err != nil {
		t.Fatalf("add s2: %v", err)
	}
	if err := m.add(s1); err == nil {
		t.Fatalf("expected error re-adding an already-pending subscription")
	}

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		fired := m.fired[syscall.SIGUSR1]
		m.mu.Unlock()
		if fired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for signal relay")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.consume()

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "s1" || got[1] != "s2" {
		t.Fatalf("order = %v, want [s1 s2]", got)
	}

	if err := m.delete(s1); err != nil {
		t.Fatalf("delete s1: %v", err)
	}
	if err := m.delete(s1); err == nil {
		t.Fatalf("expected error deleting an already-removed subscription")
	}
	if _, ok := m.relay[syscall.SIGUSR1]; !ok {
		t.Fatalf("relay should survive while s2 is still registered")
	}
	if err := m.delete(s2); err != nil {
		t.Fatalf("delete s2: %v", err)
	}
	if _, ok := m.relay[syscall.SIGUSR1]; ok {
		t.Fatalf("relay should be torn down once the last subscription is removed")
	}
}

func TestSignalManagerCloseAll(t *testing.T) {
	w, err := waker.New()
	if err != nil {
		t.Fatalf("waker.New: %v", err)
	}
	defer w.Close()

	m := newSignalManager(w, nil)
	s := &SignalSubscription{Num: syscall.SIGUSR2}
	_ = m.add(s)

	m.closeAll()

	if len(m.relay) != 0 || len(m.order) != 0 {
		t.Fatalf("closeAll should clear all manager state")
	}
}
