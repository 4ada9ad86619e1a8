package contract

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"commitflow/apperr"
	"commitflow/db"
)

type fakeRepository struct {
	mu        sync.Mutex
	contracts map[string]Contract
	events    []Event
	// contract id -> payment id -> completed
	payments map[string]map[string]bool
	clock    func() time.Time
}

func newFakeRepository(clock func() time.Time) *fakeRepository {
	return &fakeRepository{
		contracts: map[string]Contract{},
		payments:  map[string]map[string]bool{},
		clock:     clock,
	}
}

func (f *fakeRepository) addPayment(contractID, paymentID string, completed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payments[contractID] == nil {
		f.payments[contractID] = map[string]bool{}
	}
	f.payments[contractID][paymentID] = completed
}

func (f *fakeRepository) put(c Contract) Contract {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	f.contracts[c.ID] = c
	return c
}

func (f *fakeRepository) eventsOf(id string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.ContractID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeRepository) Create(ctx context.Context, q db.Querier, ownerID string, params CreateParams, status Status) (Contract, error) {
	now := f.clock()
	return f.put(Contract{
		OwnerID:          ownerID,
		Title:            params.Title,
		Description:      params.Description,
		Amount:           params.Amount,
		StartDate:        params.StartDate,
		EndDate:          params.EndDate,
		Status:           status,
		EvidenceRequired: params.EvidenceRequired,
		CreatedAt:        now,
		UpdatedAt:        now,
	}), nil
}

func (f *fakeRepository) List(ctx context.Context, ownerID string) ([]Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Contract{}
	for _, c := range f.contracts {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeRepository) Get(ctx context.Context, id, ownerID string) (Contract, error) {
	c, err := f.Find(ctx, id)
	if err != nil || c.OwnerID != ownerID {
		return Contract{}, ErrNotFound
	}
	return c, nil
}

func (f *fakeRepository) Find(ctx context.Context, id string) (Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return Contract{}, ErrNotFound
	}
	return c, nil
}

func (f *fakeRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	return f.Find(ctx, id)
}

func (f *fakeRepository) Update(ctx context.Context, q db.Querier, id string, patch Patch) (Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return Contract{}, ErrNotFound
	}
	if patch.Title != nil {
		c.Title = *patch.Title
	}
	if patch.Description != nil {
		c.Description = *patch.Description
	}
	if patch.Amount != nil {
		c.Amount = *patch.Amount
	}
	if patch.StartDate != nil {
		c.StartDate = *patch.StartDate
	}
	if patch.EndDate != nil {
		c.EndDate = *patch.EndDate
	}
	c.UpdatedAt = f.clock()
	f.contracts[id] = c
	return c, nil
}

func (f *fakeRepository) Remove(ctx context.Context, q db.Querier, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contracts[id]; !ok {
		return ErrNotFound
	}
	delete(f.contracts, id)
	return nil
}

func (f *fakeRepository) UpdateStatus(ctx context.Context, q db.Querier, upd StatusUpdate) (Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[upd.ID]
	if !ok || c.Status != upd.From {
		return Contract{}, ErrStaleStatus
	}
	if upd.RequireCompletedPayment {
		matched := false
		for pid, completed := range f.payments[upd.ID] {
			if completed && (upd.StakePaymentID == nil || *upd.StakePaymentID == pid) {
				matched = true
			}
		}
		if !matched {
			return Contract{}, ErrStaleStatus
		}
	}
	if upd.RequireNoCompletedPayment {
		for _, completed := range f.payments[upd.ID] {
			if completed {
				return Contract{}, ErrStaleStatus
			}
		}
	}
	c.Status = upd.To
	if upd.EvidenceURL != nil {
		c.EvidenceURL = upd.EvidenceURL
	}
	if upd.StakePaymentID != nil {
		c.StakePaymentID = upd.StakePaymentID
	}
	c.UpdatedAt = f.clock()
	f.contracts[upd.ID] = c
	return c, nil
}

func (f *fakeRepository) SetDocumentURL(ctx context.Context, q db.Querier, id, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return ErrNotFound
	}
	c.DocumentURL = &url
	f.contracts[id] = c
	return nil
}

func (f *fakeRepository) HasPayments(ctx context.Context, q db.Querier, id string, completedOnly bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, completed := range f.payments[id] {
		if completed || !completedOnly {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepository) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, c := range f.contracts {
		if c.Status == StatusActive && c.EndDate.Before(cutoff) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeRepository) AppendEvent(ctx context.Context, q db.Querier, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ID = int64(len(f.events) + 1)
	ev.CreatedAt = f.clock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRepository) Events(ctx context.Context, id string) ([]Event, error) {
	return f.eventsOf(id), nil
}

type fakeOutbox struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakeOutbox) Enqueue(ctx context.Context, q db.Querier, topic string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeOutbox) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.topics {
		if t == topic {
			n++
		}
	}
	return n
}

// fakeRefunder refunds each contract once and then reports it as refunded.
type fakeRefunder struct {
	mu       sync.Mutex
	calls    int
	refunded map[string]bool
	err      error
}

func (f *fakeRefunder) RefundForContract(ctx context.Context, contractID string) (Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Refund{}, f.err
	}
	if f.refunded == nil {
		f.refunded = map[string]bool{}
	}
	if f.refunded[contractID] {
		return Refund{}, apperr.ErrAlreadyRefunded
	}
	f.refunded[contractID] = true
	return Refund{PaymentID: "pay-" + contractID, RefundID: "re_" + contractID, Status: "PROCESSING"}, nil
}

type fakeStore struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	if _, err := io.ReadAll(body); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return "https://storage.example.com/" + key, nil
}

type fakePool struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tx := range f.txs {
		if tx.committed {
			n++
		}
	}
	return n
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
