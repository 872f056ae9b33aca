package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/modsentry/internal/moderation/pipeline"
	"github.com/nextlevelbuilder/modsentry/internal/store"
)

type fakeActionLogStore struct {
	mu   sync.Mutex
	logs map[string]*store.ActionLog
}

func newFakeActionLogStore() *fakeActionLogStore {
	return &fakeActionLogStore{logs: make(map[string]*store.ActionLog)}
}

func (f *fakeActionLogStore) Create(ctx context.Context, a *store.ActionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = uuid.Must(uuid.NewV7()).String()
	cp := *a
	f.logs[a.ID] = &cp
	return nil
}

func (f *fakeActionLogStore) Get(ctx context.Context, id string) (*store.ActionLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeActionLogStore) CompareAndSetStatus(ctx context.Context, id string, from, to store.ActionStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if l.Status != from {
		return false, nil
	}
	l.Status = to
	return true, nil
}

type fakeEffector struct {
	calls   int32
	failErr error
}

func (f *fakeEffector) Dispatch(ctx context.Context, action pipeline.Action, targetUserID, channelID string) error {
	atomic.AddInt32(&f.calls, 1)
	return f.failErr
}

func TestHandle_NoApprovalDispatchesImmediately(t *testing.T) {
	logs := newFakeActionLogStore()
	registry := NewRegistry()
	eff := &fakeEffector{}
	registry.Register(store.PlatformDiscord, "mute", eff)

	d := NewDispatcher(registry, logs)
	action := pipeline.Action{Type: "mute", RequiresApproval: false}

	err := d.Handle(context.Background(), "dep-1", "msg-1", store.PlatformDiscord, "user-1", "chan-1", action)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&eff.calls) != 1 {
		t.Errorf("effector calls = %d, want 1", eff.calls)
	}

	var final *store.ActionLog
	for _, l := range logs.logs {
		final = l
	}
	if final.Status != store.ActionSuccess {
		t.Errorf("status = %v, want success", final.Status)
	}
}

func TestHandle_RequiresApproval_DoesNotDispatch(t *testing.T) {
	logs := newFakeActionLogStore()
	registry := NewRegistry()
	eff := &fakeEffector{}
	registry.Register(store.PlatformDiscord, "ban", eff)

	d := NewDispatcher(registry, logs)
	action := pipeline.Action{Type: "ban", RequiresApproval: true}

	if err := d.Handle(context.Background(), "dep-1", "msg-1", store.PlatformDiscord, "user-1", "chan-1", action); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&eff.calls) != 0 {
		t.Errorf("effector calls = %d, want 0 before approval", eff.calls)
	}

	var id string
	for k, l := range logs.logs {
		id = k
		if l.Status != store.ActionAwaitingApproval {
			t.Errorf("status = %v, want awaiting_approval", l.Status)
		}
	}

	if err := d.Approve(context.Background(), id, store.PlatformDiscord, "user-1", "chan-1", action); err != nil {
		t.Fatalf("approve error: %v", err)
	}
	if atomic.LoadInt32(&eff.calls) != 1 {
		t.Errorf("effector calls after approve = %d, want 1", eff.calls)
	}
	if logs.logs[id].Status != store.ActionSuccess {
		t.Errorf("status after approve = %v, want success", logs.logs[id].Status)
	}
}

func TestDecline_NeverDispatches(t *testing.T) {
	logs := newFakeActionLogStore()
	registry := NewRegistry()
	eff := &fakeEffector{}
	registry.Register(store.PlatformDiscord, "kick", eff)

	d := NewDispatcher(registry, logs)
	action := pipeline.Action{Type: "kick", RequiresApproval: true}
	d.Handle(context.Background(), "dep-1", "msg-1", store.PlatformDiscord, "user-1", "chan-1", action)

	var id string
	for k := range logs.logs {
		id = k
	}

	if err := d.Decline(context.Background(), id); err != nil {
		t.Fatalf("decline error: %v", err)
	}
	if atomic.LoadInt32(&eff.calls) != 0 {
		t.Errorf("effector calls = %d, want 0", eff.calls)
	}
	if logs.logs[id].Status != store.ActionDeclined {
		t.Errorf("status = %v, want declined", logs.logs[id].Status)
	}

	// Approving after decline must not dispatch: the CAS guard requires
	// awaiting_approval, which no longer holds.
	if err := d.Approve(context.Background(), id, store.PlatformDiscord, "user-1", "chan-1", action); err != nil {
		t.Fatalf("approve error: %v", err)
	}
	if atomic.LoadInt32(&eff.calls) != 0 {
		t.Errorf("effector calls after approving a declined log = %d, want 0", eff.calls)
	}
}

func TestHandle_UnknownActionType_MarksFailed(t *testing.T) {
	logs := newFakeActionLogStore()
	registry := NewRegistry()
	d := NewDispatcher(registry, logs)

	action := pipeline.Action{Type: "launch-missiles", RequiresApproval: false}
	err := d.Handle(context.Background(), "dep-1", "msg-1", store.PlatformDiscord, "user-1", "chan-1", action)

	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("error = %v, want ErrUnknownAction", err)
	}

	var final *store.ActionLog
	for _, l := range logs.logs {
		final = l
	}
	if final.Status != store.ActionFailed {
		t.Errorf("status = %v, want failed", final.Status)
	}
}

func TestHandle_EffectorError_MarksFailed(t *testing.T) {
	logs := newFakeActionLogStore()
	registry := NewRegistry()
	eff := &fakeEffector{failErr: errors.New("discord api down")}
	registry.Register(store.PlatformDiscord, "mute", eff)
	d := NewDispatcher(registry, logs)

	action := pipeline.Action{Type: "mute", RequiresApproval: false}
	err := d.Handle(context.Background(), "dep-1", "msg-1", store.PlatformDiscord, "user-1", "chan-1", action)
	if err == nil {
		t.Fatal("expected error")
	}

	var final *store.ActionLog
	for _, l := range logs.logs {
		final = l
	}
	if final.Status != store.ActionFailed {
		t.Errorf("status = %v, want failed", final.Status)
	}
}

func TestApprove_ConcurrentCallersDispatchOnlyOnce(t *testing.T) {
	logs := newFakeActionLogStore()
	registry := NewRegistry()
	eff := &fakeEffector{}
	registry.Register(store.PlatformDiscord, "ban", eff)
	d := NewDispatcher(registry, logs)

	action := pipeline.Action{Type: "ban", RequiresApproval: true}
	d.Handle(context.Background(), "dep-1", "msg-1", store.PlatformDiscord, "user-1", "chan-1", action)

	var id string
	for k := range logs.logs {
		id = k
	}

	var wg sync.WaitGroup
	const n = 10
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			d.Approve(context.Background(), id, store.PlatformDiscord, "user-1", "chan-1", action)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&eff.calls); got != 1 {
		t.Errorf("effector dispatched %d times under concurrent approval, want exactly 1", got)
	}
}
