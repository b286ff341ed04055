package portpool

import (
	"reflect"
	"sync"
	"testing"
)

func TestClaimMintsSequentialPorts(t *testing.T) {
	p := New(7000)

	for want := 7000; want < 7003; want++ {
		if got := p.Claim(); got != want {
			t.Fatalf("Claim() = %d, want %d", got, want)
		}
	}
	if p.Next() != 7003 {
		t.Fatalf("Next() = %d, want 7003", p.Next())
	}
}

func TestReleaseIsReusedBeforeMinting(t *testing.T) {
	p := New(7000)
	a := p.Claim()
	_ = p.Claim()

	p.Release(a)
	if got := p.Claim(); got != a {
		t.Fatalf("expected released port %d to be reused, got %d", a, got)
	}
	if got := p.Claim(); got != 7002 {
		t.Fatalf("expected fresh port 7002, got %d", got)
	}
}

func TestDoubleReleaseDoesNotDuplicate(t *testing.T) {
	p := New(7000)
	port := p.Claim()

	p.Release(port)
	p.Release(port)
	p.Release(9999)

	if got := p.Available(); !reflect.DeepEqual(got, []int{7000}) {
		t.Fatalf("Available() = %v, want [7000]", got)
	}
}

func TestReconcile(t *testing.T) {
	p := New(7000)
	p.Reconcile(7000, []int{7000, 7003, 9000})

	if p.Next() != 7004 {
		t.Fatalf("Next() = %d, want 7004", p.Next())
	}
	if got := p.Available(); !reflect.DeepEqual(got, []int{7001, 7002}) {
		t.Fatalf("Available() = %v, want [7001 7002]", got)
	}

	// Ports outside the window are held but do not move next.
	p.Release(9000)
	if p.Next() != 7004 {
		t.Fatalf("Next() moved after releasing out-of-window port: %d", p.Next())
	}
}

func TestReconcileWithNothingRestored(t *testing.T) {
	p := New(7000)
	p.Reconcile(7000, nil)
	if p.Next() != 7000 || len(p.Available()) != 0 {
		t.Fatalf("unexpected state next=%d available=%v", p.Next(), p.Available())
	}
}

func TestHoldRemovesFromAvailable(t *testing.T) {
	p := New(7000)
	p.Reconcile(7000, []int{7002})
	p.Hold(7001)

	if got := p.Available(); !reflect.DeepEqual(got, []int{7000}) {
		t.Fatalf("Available() = %v, want [7000]", got)
	}
}

func TestConcurrentClaimsAreUnique(t *testing.T) {
	p := New(7000)
	var gauge int
	p.OnChange(func(n int) { gauge = n })

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]bool)
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port := p.Claim()
			mu.Lock()
			defer mu.Unlock()
			if seen[port] {
				t.Errorf("port %d handed out twice", port)
			}
			seen[port] = true
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("expected 50 distinct ports, got %d", len(seen))
	}
	if gauge != 0 {
		t.Fatalf("gauge = %d, want 0", gauge)
	}
}
