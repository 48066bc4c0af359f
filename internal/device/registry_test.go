package device

import (
	"context"
	"sync"
	"testing"
)

func TestMemory_ClaimOncePerPhase(t *testing.T) {
	reg := NewMemory()
	ctx := context.Background()

	ok, err := reg.Claim(ctx, 1, "dev-a")
	if err != nil || !ok {
		t.Fatalf("first claim = (%v, %v), want (true, nil)", ok, err)
	}
	ok, _ = reg.Claim(ctx, 1, "dev-a")
	if ok {
		t.Error("second claim for same phase succeeded")
	}
	// Same device is free in the next phase.
	ok, _ = reg.Claim(ctx, 2, "dev-a")
	if !ok {
		t.Error("claim in next phase rejected")
	}
}

func TestMemory_ConcurrentClaimsYieldOneWinner(t *testing.T) {
	reg := NewMemory()
	ctx := context.Background()

	const attempts = 32
	var wg sync.WaitGroup
	wins := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := reg.Claim(ctx, 1, "shared-device")
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestMemory_ReleaseAndReset(t *testing.T) {
	reg := NewMemory()
	ctx := context.Background()

	reg.Claim(ctx, 1, "dev-a")
	reg.Release(ctx, 1, "dev-a")
	if used, _ := reg.Used(ctx, 1, "dev-a"); used {
		t.Error("device still used after release")
	}

	reg.Claim(ctx, 1, "dev-a")
	reg.Claim(ctx, 2, "dev-b")
	reg.Reset(ctx)
	for phase, id := range map[int]string{1: "dev-a", 2: "dev-b"} {
		if used, _ := reg.Used(ctx, phase, id); used {
			t.Errorf("phase %d device %s survived reset", phase, id)
		}
	}
}

func TestMemory_Rebuild(t *testing.T) {
	reg := NewMemory()
	ctx := context.Background()
	reg.Claim(ctx, 1, "stale")

	if err := reg.Rebuild(ctx, map[int][]string{1: {"dev-a"}, 2: {"dev-b", "dev-c"}}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if used, _ := reg.Used(ctx, 1, "stale"); used {
		t.Error("stale claim survived rebuild")
	}
	for phase, id := range map[int]string{1: "dev-a", 2: "dev-b"} {
		if used, _ := reg.Used(ctx, phase, id); !used {
			t.Errorf("rebuilt usage missing phase %d device %s", phase, id)
		}
	}
}
