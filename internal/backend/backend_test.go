package backend_test

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/hogwild/internal/backend"
	"github.com/seantiz/hogwild/internal/backend/backendtest"
)

func TestAliveAndCountAlive(t *testing.T) {
	a := backendtest.NewHandle(0)
	b := backendtest.NewHandle(1)
	handles := []backend.Handle{a, b}

	if !backend.Alive(handles) || backend.CountAlive(handles) != 2 {
		t.Fatal("expected both handles alive")
	}

	a.Exit(nil)
	if !backend.Alive(handles) || backend.CountAlive(handles) != 1 {
		t.Errorf("after one exit: Alive=%v CountAlive=%d", backend.Alive(handles), backend.CountAlive(handles))
	}

	b.Exit(errors.New("boom"))
	if backend.Alive(handles) {
		t.Error("Alive() = true after all handles exited")
	}
	if backend.Alive(nil) {
		t.Error("Alive(nil) = true")
	}
}

func TestFakeTerminateIdempotent(t *testing.T) {
	h := backendtest.NewHandle(3)
	h.Exit(nil)

	if err := h.Terminate(); err != nil {
		t.Errorf("Terminate after exit = %v", err)
	}
	if err := h.Terminate(); err != nil {
		t.Errorf("second Terminate = %v", err)
	}
	if h.Err() != nil {
		t.Errorf("Err() = %v, want the first nil exit", h.Err())
	}
}

func TestFakeBackendRefusesRank(t *testing.T) {
	fb := &backendtest.Backend{FailRanks: map[int]bool{2: true}}
	var b backend.Backend = fb

	if _, err := b.Spawn(context.Background(), backend.WorkerSpec{Rank: 1}); err != nil {
		t.Fatalf("Spawn(1): %v", err)
	}
	if _, err := b.Spawn(context.Background(), backend.WorkerSpec{Rank: 2}); !errors.Is(err, backendtest.ErrSpawnRefused) {
		t.Errorf("Spawn(2) = %v, want ErrSpawnRefused", err)
	}
	if n := len(fb.Specs()); n != 1 {
		t.Errorf("recorded %d specs, want 1", n)
	}
}
