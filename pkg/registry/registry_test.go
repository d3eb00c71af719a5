package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"

	"github.com/HMasataka/fanout/pkg/domain"
)

type fakePeer struct {
	id   string
	fail bool

	mu   sync.Mutex
	sent [][]byte
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(_ context.Context, message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, message)
	if p.fail {
		return domain.ErrSendQueueFull
	}
	return nil
}

func (p *fakePeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func TestAddIsIdempotentPerRole(t *testing.T) {
	r := New(nil)
	p := newFakePeer("a")

	if err := r.Add(domain.RoleViewer, p); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(domain.RoleViewer, p); err != nil {
		t.Fatalf("second add with the same role should be a no-op: %v", err)
	}
	if r.Count(domain.RoleViewer) != 1 {
		t.Fatalf("Expectation: 1 viewer, Received: %d", r.Count(domain.RoleViewer))
	}
}

func TestAddRejectsOtherRole(t *testing.T) {
	r := New(nil)
	p := newFakePeer("a")

	if err := r.Add(domain.RolePublisher, p); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(domain.RoleViewer, p); !stderrors.Is(err, domain.ErrRoleConflict) {
		t.Fatalf("expected ErrRoleConflict, got %v", err)
	}
	if r.RoleOf(p) != domain.RolePublisher {
		t.Fatalf("peer should still be a publisher, got %s", r.RoleOf(p))
	}
	if err := r.Add(domain.RoleUnassigned, p); !stderrors.Is(err, domain.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestMoveToLeavesNoTrace(t *testing.T) {
	r := New(nil)
	p := newFakePeer("a")

	_ = r.Add(domain.RolePublisher, p)
	if err := r.MoveTo(domain.RoleViewer, p); err != nil {
		t.Fatalf("move: %v", err)
	}

	if r.Count(domain.RolePublisher) != 0 {
		t.Fatal("peer left behind in publishers")
	}
	if r.RoleOf(p) != domain.RoleViewer {
		t.Fatalf("expected viewer, got %s", r.RoleOf(p))
	}

	// Moving into the role already held is harmless.
	if err := r.MoveTo(domain.RoleViewer, p); err != nil || r.Count(domain.RoleViewer) != 1 {
		t.Fatalf("repeat move changed state: err=%v viewers=%d", err, r.Count(domain.RoleViewer))
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New(nil)
	p := newFakePeer("a")

	if _, ok := r.Remove(p); ok {
		t.Fatal("removing an absent peer reports nothing removed")
	}

	_ = r.Add(domain.RoleViewer, p)
	role, ok := r.Remove(p)
	if !ok || role != domain.RoleViewer {
		t.Fatalf("expected removal from viewers, got %s %v", role, ok)
	}
	if _, ok := r.Remove(p); ok {
		t.Fatal("second removal should be a no-op")
	}
}

func TestBroadcastReachesOnlyTargetPartition(t *testing.T) {
	r := New(nil)

	publishers := []*fakePeer{newFakePeer("p1"), newFakePeer("p2"), newFakePeer("p3")}
	for _, p := range publishers {
		_ = r.Add(domain.RolePublisher, p)
	}
	viewers := make([]*fakePeer, 0, 5)
	for i := range 5 {
		v := newFakePeer(fmt.Sprintf("v%d", i))
		viewers = append(viewers, v)
		_ = r.Add(domain.RoleViewer, v)
	}

	res := r.Broadcast(context.Background(), domain.RoleViewer, []byte(`{"type":"snapshot"}`))
	if res.Attempts != len(viewers) || res.Failures != 0 {
		t.Fatalf("Expectation: %d attempts, Received: %+v", len(viewers), res)
	}
	for _, v := range viewers {
		if v.count() != 1 {
			t.Fatalf("viewer %s received %d messages", v.id, v.count())
		}
	}
	for _, p := range publishers {
		if p.count() != 0 {
			t.Fatalf("publisher %s should receive nothing", p.id)
		}
	}
}

func TestBroadcastContinuesPastFailures(t *testing.T) {
	r := New(nil)

	bad := newFakePeer("bad")
	bad.fail = true
	good := newFakePeer("good")
	_ = r.Add(domain.RoleViewer, bad)
	_ = r.Add(domain.RoleViewer, good)

	res := r.Broadcast(context.Background(), domain.RoleViewer, []byte("x"))
	if res.Attempts != 2 || res.Failures != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if good.count() != 1 {
		t.Fatal("healthy viewer missed the broadcast")
	}
	if r.RoleOf(bad) != domain.RoleViewer {
		t.Fatal("a failed send must not remove the peer")
	}
}

func TestConcurrentRoleSwitchesStayDisjoint(t *testing.T) {
	r := New(nil)
	peers := make([]*fakePeer, 20)
	for i := range peers {
		peers[i] = newFakePeer(fmt.Sprintf("p%d", i))
	}

	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p *fakePeer) {
			defer wg.Done()
			for j := range 200 {
				role := domain.RoleViewer
				if (i+j)%2 == 0 {
					role = domain.RolePublisher
				}
				_ = r.MoveTo(role, p)
				r.Broadcast(context.Background(), domain.RoleViewer, []byte("tick"))
			}
		}(i, p)
	}
	wg.Wait()

	for _, p := range peers {
		in := 0
		for _, role := range []domain.Role{domain.RolePublisher, domain.RoleViewer} {
			for _, q := range r.Peers(role) {
				if q.ID() == p.id {
					in++
				}
			}
		}
		if in != 1 {
			t.Fatalf("peer %s present in %d partitions", p.id, in)
		}
	}
}
