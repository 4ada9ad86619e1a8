package api

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"commitflow/apperr"
	"commitflow/auth"
	"commitflow/contract"
	"commitflow/payment"
	"commitflow/provider"
)

type stubContracts struct {
	mu        sync.Mutex
	contracts map[string]contract.Contract
	evidence  []contract.EvidenceUpload
	documents map[string][]byte
	completed []string
}

func newStubContracts() *stubContracts {
	return &stubContracts{contracts: map[string]contract.Contract{}, documents: map[string][]byte{}}
}

func (s *stubContracts) Create(_ context.Context, ownerID string, p contract.CreateParams) (contract.Contract, error) {
	if strings.TrimSpace(p.Title) == "" {
		return contract.Contract{}, apperr.Validation("title is required")
	}
	if !p.EndDate.After(p.StartDate) {
		return contract.Contract{}, apperr.Validation("endDate must be after startDate")
	}
	now := time.Now().UTC()
	c := contract.Contract{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		Title:            p.Title,
		Description:      p.Description,
		Amount:           p.Amount,
		StartDate:        p.StartDate,
		EndDate:          p.EndDate,
		Status:           contract.StatusDraft,
		EvidenceRequired: p.EvidenceRequired,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.mu.Lock()
	s.contracts[c.ID] = c
	s.mu.Unlock()
	return c, nil
}

func (s *stubContracts) List(_ context.Context, ownerID string) ([]contract.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contract.Contract
	for _, c := range s.contracts {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *stubContracts) Get(_ context.Context, id, ownerID string) (contract.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok || c.OwnerID != ownerID {
		return contract.Contract{}, contract.ErrNotFound
	}
	return c, nil
}

func (s *stubContracts) Events(ctx context.Context, id, ownerID string) ([]contract.Event, error) {
	c, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	to := contract.StatusDraft
	return []contract.Event{{ID: 1, ContractID: c.ID, Type: contract.EventCreated, ToStatus: &to, ActorID: &ownerID, CreatedAt: c.CreatedAt}}, nil
}

func (s *stubContracts) Update(ctx context.Context, id, ownerID string, p contract.Patch) (contract.Contract, error) {
	c, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return c, err
	}
	if c.Status != contract.StatusDraft {
		return c, contract.ErrNotEditable
	}
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Amount != nil {
		c.Amount = *p.Amount
	}
	s.mu.Lock()
	s.contracts[id] = c
	s.mu.Unlock()
	return c, nil
}

func (s *stubContracts) Delete(ctx context.Context, id, ownerID string) error {
	if _, err := s.Get(ctx, id, ownerID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.contracts, id)
	s.mu.Unlock()
	return nil
}

func (s *stubContracts) Cancel(ctx context.Context, id, ownerID string) (contract.Contract, error) {
	return s.setStatus(ctx, id, ownerID, contract.StatusCancelled)
}

func (s *stubContracts) RequestCompletion(ctx context.Context, id, ownerID string) (contract.Completion, error) {
	c, err := s.setStatus(ctx, id, ownerID, contract.StatusCompleted)
	if err != nil {
		return contract.Completion{}, err
	}
	s.mu.Lock()
	s.completed = append(s.completed, id)
	s.mu.Unlock()
	return contract.Completion{Contract: c, Refund: &contract.Refund{PaymentID: "pay_1", RefundID: "re_1", Status: "PROCESSING"}}, nil
}

func (s *stubContracts) SubmitEvidence(ctx context.Context, id, ownerID string, upload contract.EvidenceUpload) (contract.Completion, error) {
	body, err := io.ReadAll(upload.Body)
	if err != nil {
		return contract.Completion{}, err
	}
	upload.Body = strings.NewReader(string(body))
	s.mu.Lock()
	s.evidence = append(s.evidence, upload)
	s.mu.Unlock()
	return s.RequestCompletion(ctx, id, ownerID)
}

func (s *stubContracts) AttachDocument(ctx context.Context, id, ownerID string, pdf []byte) (string, error) {
	if _, err := s.Get(ctx, id, ownerID); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.documents[id] = pdf
	s.mu.Unlock()
	return "https://documents.test/" + id + ".pdf", nil
}

func (s *stubContracts) setStatus(ctx context.Context, id, ownerID string, to contract.Status) (contract.Contract, error) {
	c, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return c, err
	}
	c.Status = to
	s.mu.Lock()
	s.contracts[id] = c
	s.mu.Unlock()
	return c, nil
}

type stubPayments struct {
	mu       sync.Mutex
	requests []payment.IntentRequest
	err      error
}

func (s *stubPayments) CreatePaymentIntent(_ context.Context, req payment.IntentRequest) (payment.IntentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return payment.IntentResult{}, s.err
	}
	return payment.IntentResult{ClientSecret: "pi_1_secret_x", PaymentIntentID: "pi_1", PaymentID: "pay_1"}, nil
}

func (s *stubPayments) IntentForOwner(_ context.Context, intentID, ownerID string) (provider.PaymentIntent, error) {
	if intentID != "pi_1" || ownerID != testUser {
		return provider.PaymentIntent{}, payment.ErrPaymentNotFound
	}
	return provider.PaymentIntent{ID: "pi_1", Status: "succeeded", Amount: 1000, Currency: "usd", Metadata: map[string]string{"contractId": "c1"}}, nil
}

type processorCall struct {
	op string
	id string
}

type stubProcessor struct {
	mu    sync.Mutex
	calls []processorCall
	err   error
}

func (p *stubProcessor) record(op, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, processorCall{op: op, id: id})
	return p.err
}

func (p *stubProcessor) HandleSuccessfulPayment(_ context.Context, id string) error {
	return p.record("succeeded", id)
}

func (p *stubProcessor) HandleFailedPayment(_ context.Context, id string) error {
	return p.record("failed", id)
}

func (p *stubProcessor) ApplyRefundUpdate(_ context.Context, r provider.Refund) error {
	return p.record("refund", r.ID)
}

func (p *stubProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type memoryLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (l *memoryLedger) Processed(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[id], nil
}

func (l *memoryLedger) MarkProcessed(_ context.Context, id, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = map[string]bool{}
	}
	l.seen[id] = true
	return nil
}

type stubAuth struct{}

func (stubAuth) VerifyToken(token string) (string, error) {
	if token != testToken {
		return "", auth.ErrInvalidToken
	}
	return testUser, nil
}

func (stubAuth) Register(_ context.Context, req auth.RegisterRequest) (*auth.User, error) {
	if len(req.Password) < 8 {
		return nil, auth.ErrWeakPassword
	}
	return &auth.User{ID: testUser, Email: req.Email, FullName: req.FullName, CreatedAt: time.Now()}, nil
}

func (stubAuth) Login(_ context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	if req.Password != "supersafe" {
		return auth.LoginResult{}, auth.ErrInvalidCredentials
	}
	return auth.LoginResult{Token: testToken, ExpiresAt: time.Now().Add(time.Hour), User: auth.User{ID: testUser, Email: req.Email}}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }
