package overledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mobiletoly/go-overledger/ledger"
	"github.com/mobiletoly/go-overledger/oversqlite"
	"github.com/stretchr/testify/require"
)

const testOwner = "owner-1"

// fakeRemote is an in-memory remote store that records every call
type fakeRemote struct {
	mu         sync.Mutex
	entities   map[string]ledger.Entity
	byClientID map[string]string
	log        []string
	nextID     int
	failWith   error

	calls atomic.Int32

	// When set, every call signals started and then waits for release
	started chan struct{}
	release chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entities:   make(map[string]ledger.Entity),
		byClientID: make(map[string]string),
	}
}

func (f *fakeRemote) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func (f *fakeRemote) enter(ctx context.Context, op string) error {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
		if err := ctx.Err(); err != nil {
			return &ledger.RemoteError{Op: op, Err: err}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, op)
	if f.failWith != nil {
		return &ledger.RemoteError{Op: op, Err: f.failWith}
	}
	return nil
}

func (f *fakeRemote) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeRemote) get(id string) (ledger.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	return e, ok
}

func (f *fakeRemote) seed(e ledger.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[e.ID] = e
}

func (f *fakeRemote) ListEntities(ctx context.Context, ownerID string, kind ledger.Kind) ([]ledger.Entity, error) {
	if err := f.enter(ctx, "list " + string(kind)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.Entity
	for _, e := range f.entities {
		if e.OwnerID == ownerID && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRemote) CreateEntity(ctx context.Context, ownerID string, e ledger.Entity) (ledger.Entity, error) {
	if err := f.enter(ctx, "create " + string(e.Kind) + " " + e.ID); err != nil {
		return ledger.Entity{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byClientID[e.ID]; ok {
		return f.entities[id], nil
	}
	f.nextID++
	created := ledger.Entity{
		ID:      fmt.Sprintf("srv-%d", f.nextID),
		OwnerID: ownerID,
		Kind:    e.Kind,
		Fields:  append(json.RawMessage(nil), e.Fields...),
	}
	f.entities[created.ID] = created
	f.byClientID[e.ID] = created.ID
	return created, nil
}

func (f *fakeRemote) UpdateEntity(ctx context.Context, kind ledger.Kind, id string, patch json.RawMessage) (*ledger.Entity, error) {
	if err := f.enter(ctx, "update " + string(kind) + " " + id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, &ledger.RemoteError{Op: "update", StatusCode: http.StatusNotFound}
	}
	var fields, changes map[string]json.RawMessage
	if err := json.Unmarshal(e.Fields, &fields); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, &changes); err != nil {
		return nil, err
	}
	for k, v := range changes {
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	e.Fields = merged
	f.entities[id] = e
	return &e, nil
}

func (f *fakeRemote) DeleteEntity(ctx context.Context, kind ledger.Kind, id string) error {
	if err := f.enter(ctx, "delete " + string(kind) + " " + id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entities[id]; !ok {
		return &ledger.RemoteError{Op: "delete", StatusCode: http.StatusNotFound, Message: "not found"}
	}
	delete(f.entities, id)
	return nil
}

// failingStore rejects every Commit
type failingStore struct {
	ledger.LocalStore
}

func (failingStore) Commit(context.Context, ledger.Batch) error {
	return &ledger.StorageError{Op: "commit", Err: errors.New("disk full")}
}

type harness struct {
	store    *oversqlite.Store
	remote   *fakeRemote
	conn     *ManualConnectivity
	cache    *Cache
	engine   *Engine
	driver   *Driver
	messages chan string
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	store, err := oversqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	cfg.PruneCompleted = false

	h := &harness{
		store:    store,
		remote:   newFakeRemote(),
		conn:     NewManualConnectivity(online),
		cache:    NewCache(),
		messages: make(chan string, 16),
	}
	notifier := ledger.NotifierFunc(func(msg string) {
		select {
		case h.messages <- msg:
		default:
		}
	})
	h.engine = NewEngine(store, h.remote, h.conn, ledger.StaticPrincipal(testOwner), h.cache, cfg, nil)
	h.driver = NewDriver(store, h.remote, h.cache, notifier, cfg, nil)
	return h
}

func (h *harness) pending(t *testing.T) []ledger.SyncQueueItem {
	t.Helper()
	items, err := h.store.QueueByStatus(context.Background(), ledger.StatusPending)
	require.NoError(t, err)
	return items
}

func (h *harness) storedIDs(t *testing.T, kind ledger.Kind) []string {
	t.Helper()
	all, err := h.store.GetAll(context.Background(), testOwner, kind)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, e := range all {
		ids = append(ids, e.ID)
	}
	return ids
}
