package payment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"commitflow/contract"
	"commitflow/db"
)

// stage applies fn when tx commits, or immediately outside a transaction.
func stage(q db.Querier, fn func()) {
	if tx, ok := q.(*fakeTx); ok {
		tx.onCommit = append(tx.onCommit, fn)
		return
	}
	fn()
}

type fakeRepository struct {
	mu       sync.Mutex
	payments map[string]Payment
	seq      int
	clock    func() time.Time

	insertErr error
	recordErr error
}

func newFakeRepository(clock func() time.Time) *fakeRepository {
	return &fakeRepository{payments: map[string]Payment{}, clock: clock}
}

func (f *fakeRepository) all() []Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Payment, 0, len(f.payments))
	for _, p := range f.payments {
		out = append(out, p)
	}
	return out
}

func (f *fakeRepository) put(p Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if p.CreatedAt.IsZero() {
		p.CreatedAt = f.clock().Add(time.Duration(f.seq) * time.Millisecond)
		p.UpdatedAt = p.CreatedAt
	}
	f.payments[p.ID] = p
}

func (f *fakeRepository) Insert(ctx context.Context, q db.Querier, p Payment) (Payment, error) {
	if f.insertErr != nil {
		return Payment{}, f.insertErr
	}
	stage(q, func() { f.put(p) })
	return p, nil
}

func (f *fakeRepository) Get(ctx context.Context, q db.Querier, id string) (Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (f *fakeRepository) find(match func(Payment) bool) (Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if match(p) {
			return p, nil
		}
	}
	return Payment{}, ErrPaymentNotFound
}

func (f *fakeRepository) GetByProviderID(ctx context.Context, q db.Querier, providerPaymentID string) (Payment, error) {
	return f.find(func(p Payment) bool { return p.ProviderPaymentID == providerPaymentID })
}

func (f *fakeRepository) GetByProviderIDForUpdate(ctx context.Context, tx pgx.Tx, providerPaymentID string) (Payment, error) {
	return f.GetByProviderID(ctx, tx, providerPaymentID)
}

func (f *fakeRepository) GetByRefundID(ctx context.Context, q db.Querier, refundID string) (Payment, error) {
	return f.find(func(p Payment) bool { return p.RefundID != nil && *p.RefundID == refundID })
}

func (f *fakeRepository) ListByContract(ctx context.Context, q db.Querier, contractID string) ([]Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Payment{}
	for _, p := range f.payments {
		if p.ContractID == contractID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeRepository) UpdateStatus(ctx context.Context, q db.Querier, id string, from []Status, to Status) (Payment, error) {
	f.mu.Lock()
	p, ok := f.payments[id]
	f.mu.Unlock()
	if !ok {
		return Payment{}, ErrStaleStatus
	}
	allowed := false
	for _, s := range from {
		allowed = allowed || p.Status == s
	}
	if !allowed {
		return Payment{}, ErrStaleStatus
	}
	p.Status = to
	p.UpdatedAt = f.clock()
	stage(q, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.payments[id] = p
	})
	return p, nil
}

func (f *fakeRepository) ClaimRefund(ctx context.Context, q db.Querier, id string, staleBefore time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok || p.Status != StatusCompleted || p.RefundID != nil {
		return false, nil
	}
	if p.RefundStatus != nil && !p.UpdatedAt.Before(staleBefore) {
		return false, nil
	}
	status := RefundProcessing
	p.RefundStatus = &status
	p.UpdatedAt = f.clock()
	f.payments[id] = p
	return true, nil
}

func (f *fakeRepository) ReleaseRefund(ctx context.Context, q db.Querier, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payments[id]
	if p.RefundID == nil {
		p.RefundStatus = nil
		f.payments[id] = p
	}
	return nil
}

func (f *fakeRepository) RecordRefund(ctx context.Context, q db.Querier, id, refundID, status string) (Payment, error) {
	if f.recordErr != nil {
		return Payment{}, f.recordErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	if p.RefundID != nil && *p.RefundID != refundID {
		return Payment{}, ErrAlreadyRefunded
	}
	p.RefundID = &refundID
	p.RefundStatus = nextRefundStatus(p.RefundStatus, status)
	f.payments[id] = p
	return p, nil
}

func (f *fakeRepository) UpdateRefundStatus(ctx context.Context, q db.Querier, refundID, status string) (Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.payments {
		if p.RefundID != nil && *p.RefundID == refundID {
			p.RefundStatus = nextRefundStatus(p.RefundStatus, status)
			f.payments[id] = p
			return p, nil
		}
	}
	return Payment{}, ErrPaymentNotFound
}

// nextRefundStatus mirrors the repository's guard against late PROCESSING writes.
func nextRefundStatus(current *string, next string) *string {
	if current != nil && next == RefundProcessing && (*current == RefundCompleted || *current == RefundFailed) {
		return current
	}
	return &next
}

// fakeContracts follows the contract service's payment hooks.
type fakeContracts struct {
	mu          sync.Mutex
	contracts   map[string]contract.Contract
	activations int
	enterErr    error
}

func newFakeContracts() *fakeContracts {
	return &fakeContracts{contracts: map[string]contract.Contract{}}
}

func (f *fakeContracts) put(c contract.Contract) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contracts[c.ID] = c
}

func (f *fakeContracts) get(id string) contract.Contract {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contracts[id]
}

func (f *fakeContracts) ForPayment(ctx context.Context, id string) (contract.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return contract.Contract{}, contract.ErrNotFound
	}
	return c, nil
}

func (f *fakeContracts) EnterPendingPayment(ctx context.Context, tx pgx.Tx, id string) error {
	if f.enterErr != nil {
		return f.enterErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.contracts[id]
	if c.Status == contract.StatusDraft {
		c.Status = contract.StatusPendingPayment
		stage(tx, func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.contracts[id] = c
		})
	}
	return nil
}

func (f *fakeContracts) ActivateFromPayment(ctx context.Context, tx pgx.Tx, id, paymentID string) (contract.Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return contract.Activation{}, contract.ErrNotFound
	}
	if c.Status == contract.StatusPendingPayment {
		c.Status = contract.StatusActive
		c.StakePaymentID = &paymentID
		stage(tx, func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.contracts[id] = c
			f.activations++
		})
		return contract.Activation{Activated: true, Status: c.Status}, nil
	}
	stray := c.StakePaymentID == nil || *c.StakePaymentID != paymentID
	return contract.Activation{Stray: stray, Status: c.Status}, nil
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

func (f *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	rolled    bool
	committed bool
	onCommit  []func()
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	for _, fn := range f.onCommit {
		fn()
	}
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
