package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/linkvault/internal/model"
)

// --- モック定義 ---

type markCall struct {
	id     string
	status model.WebhookEventStatus
	reason string
}

type mockEventRepo struct {
	claimFunc func(ctx context.Context, limit int, staleAfter time.Duration) ([]*model.WebhookEvent, error)
	marks     []markCall
}

func (m *mockEventRepo) Insert(_ context.Context, _ *model.WebhookEvent) (bool, error) {
	return true, nil
}

func (m *mockEventRepo) ClaimPending(ctx context.Context, limit int, staleAfter time.Duration) ([]*model.WebhookEvent, error) {
	if m.claimFunc != nil {
		return m.claimFunc(ctx, limit, staleAfter)
	}
	return nil, nil
}

func (m *mockEventRepo) MarkDone(_ context.Context, id string, status model.WebhookEventStatus, reason string) error {
	m.marks = append(m.marks, markCall{id: id, status: status, reason: reason})
	return nil
}

type mockUserRepo struct {
	upserted []*model.User
}

func (m *mockUserRepo) FindByID(_ context.Context, _ string) (*model.User, error) { return nil, nil }
func (m *mockUserRepo) FindByWhopUserID(_ context.Context, _ string) (*model.User, error) {
	return nil, nil
}
func (m *mockUserRepo) UpdateCompany(_ context.Context, _, _ string) error          { return nil }
func (m *mockUserRepo) UpdateProductContainer(_ context.Context, _, _ string) error { return nil }

func (m *mockUserRepo) Upsert(_ context.Context, u *model.User) (*model.User, error) {
	m.upserted = append(m.upserted, u)
	saved := *u
	saved.ID = "internal-" + u.WhopUserID
	return &saved, nil
}

type mockPurchaseRepo struct {
	createFunc func(ctx context.Context, p *model.Purchase) (bool, error)
	updateFunc func(ctx context.Context, paymentID string, status model.PurchaseStatus) (int64, error)
	created    []*model.Purchase
}

func (m *mockPurchaseRepo) Create(ctx context.Context, p *model.Purchase) (bool, error) {
	m.created = append(m.created, p)
	if m.createFunc != nil {
		return m.createFunc(ctx, p)
	}
	return true, nil
}

func (m *mockPurchaseRepo) UpdateStatusByPaymentID(ctx context.Context, paymentID string, status model.PurchaseStatus) (int64, error) {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, paymentID, status)
	}
	return 1, nil
}

func (m *mockPurchaseRepo) CountByProduct(_ context.Context, _ string) (int, error) { return 0, nil }
func (m *mockPurchaseRepo) FindPaid(_ context.Context, _, _ string) (*model.Purchase, error) {
	return nil, nil
}
func (m *mockPurchaseRepo) IncrementDownloadCount(_ context.Context, _ string) error { return nil }

type processedRecorder struct {
	statuses []string
}

func (r *processedRecorder) RecordWebhookProcessed(status string) {
	r.statuses = append(r.statuses, status)
}

// --- ヘルパー ---

func queued(id, payload string) *model.WebhookEvent {
	return &model.WebhookEvent{
		ID:      id,
		EventID: "evt_" + id,
		Payload: json.RawMessage(payload),
		Status:  model.WebhookStatusProcessing,
	}
}

func newTestProcessor(events ...*model.WebhookEvent) (*Processor, *mockEventRepo, *mockUserRepo, *mockPurchaseRepo, *processedRecorder) {
	repo := &mockEventRepo{
		claimFunc: func(_ context.Context, _ int, _ time.Duration) ([]*model.WebhookEvent, error) {
			return events, nil
		},
	}
	users := &mockUserRepo{}
	purchases := &mockPurchaseRepo{}
	rec := &processedRecorder{}
	return NewProcessor(repo, users, purchases, rec, 10), repo, users, purchases, rec
}

// --- テスト ---

func TestProcessBatch_PaymentSucceededCreatesPurchase(t *testing.T) {
	p, repo, users, purchases, rec := newTestProcessor(queued("1",
		`{"action":"payment.succeeded","data":{"id":"pay_1","user_id":"user_1","final_amount":"5.00","metadata":{"productId":"p1"}}}`))

	n, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if n != 1 {
		t.Errorf("processed = %d, want 1", n)
	}
	if len(users.upserted) != 1 || users.upserted[0].Role != model.RoleBuyer || users.upserted[0].WhopUserID != "user_1" {
		t.Errorf("unexpected buyer upsert: %+v", users.upserted)
	}
	if len(purchases.created) != 1 {
		t.Fatalf("purchases created = %d, want 1", len(purchases.created))
	}
	got := purchases.created[0]
	if got.ProductID != "p1" || got.BuyerUserID != "internal-user_1" || got.WhopPaymentID != "pay_1" ||
		got.AmountCents != 500 || got.Status != model.PurchaseStatusPaid {
		t.Errorf("unexpected purchase: %+v", got)
	}
	if len(repo.marks) != 1 || repo.marks[0].status != model.WebhookStatusProcessed {
		t.Errorf("marks = %+v", repo.marks)
	}
	if len(rec.statuses) != 1 || rec.statuses[0] != string(model.WebhookStatusProcessed) {
		t.Errorf("statuses = %v", rec.statuses)
	}
}

func TestProcessBatch_MissingProductIDIsSkipped(t *testing.T) {
	p, repo, users, purchases, _ := newTestProcessor(queued("1",
		`{"action":"payment.succeeded","data":{"id":"pay_1","user_id":"user_1"}}`))

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if len(users.upserted) != 0 || len(purchases.created) != 0 {
		t.Error("nothing should be written without a product id")
	}
	if repo.marks[0].status != model.WebhookStatusSkipped {
		t.Errorf("status = %s, want skipped", repo.marks[0].status)
	}
}

func TestProcessBatch_DuplicatePaymentIsProcessed(t *testing.T) {
	p, repo, _, purchases, _ := newTestProcessor(queued("1",
		`{"action":"payment.succeeded","data":{"id":"pay_1","user_id":"user_1","metadata":{"productId":"p1"}}}`))
	purchases.createFunc = func(_ context.Context, _ *model.Purchase) (bool, error) { return false, nil }

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if repo.marks[0].status != model.WebhookStatusProcessed {
		t.Errorf("status = %s, want processed", repo.marks[0].status)
	}
}

func TestProcessBatch_PurchaseFailureIsTerminal(t *testing.T) {
	p, repo, _, purchases, _ := newTestProcessor(queued("1",
		`{"action":"payment.succeeded","data":{"id":"pay_1","user_id":"user_1","metadata":{"productId":"missing"}}}`))
	purchases.createFunc = func(_ context.Context, _ *model.Purchase) (bool, error) {
		return false, errors.New("foreign key violation")
	}

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if repo.marks[0].status != model.WebhookStatusFailed || repo.marks[0].reason == "" {
		t.Errorf("mark = %+v, want failed with reason", repo.marks[0])
	}
}

func TestProcessBatch_Refund(t *testing.T) {
	t.Run("known payment", func(t *testing.T) {
		p, repo, _, purchases, _ := newTestProcessor(queued("1",
			`{"action":"payment.refunded","data":{"id":"pay_1"}}`))
		var gotID string
		var gotStatus model.PurchaseStatus
		purchases.updateFunc = func(_ context.Context, id string, status model.PurchaseStatus) (int64, error) {
			gotID, gotStatus = id, status
			return 1, nil
		}

		if _, err := p.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch() error = %v", err)
		}
		if gotID != "pay_1" || gotStatus != model.PurchaseStatusRefunded {
			t.Errorf("update = %s/%s", gotID, gotStatus)
		}
		if repo.marks[0].status != model.WebhookStatusProcessed {
			t.Errorf("status = %s", repo.marks[0].status)
		}
	})

	t.Run("unknown payment", func(t *testing.T) {
		p, repo, _, purchases, _ := newTestProcessor(queued("1",
			`{"action":"payment.refunded","data":{"id":"pay_404"}}`))
		purchases.updateFunc = func(_ context.Context, _ string, _ model.PurchaseStatus) (int64, error) {
			return 0, nil
		}

		if _, err := p.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch() error = %v", err)
		}
		if repo.marks[0].status != model.WebhookStatusFailed {
			t.Errorf("status = %s, want failed", repo.marks[0].status)
		}
	})
}

func TestProcessBatch_UnhandledAndMalformed(t *testing.T) {
	p, repo, _, _, _ := newTestProcessor(
		queued("1", `{"action":"membership.went_valid","data":{"id":"mem_1"}}`),
		queued("2", `not json`),
	)

	n, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}
	if repo.marks[0].status != model.WebhookStatusSkipped {
		t.Errorf("unhandled type status = %s, want skipped", repo.marks[0].status)
	}
	if repo.marks[1].status != model.WebhookStatusFailed {
		t.Errorf("malformed payload status = %s, want failed", repo.marks[1].status)
	}
}

func TestProcessBatch_ClaimError(t *testing.T) {
	p, repo, _, _, _ := newTestProcessor()
	repo.claimFunc = func(_ context.Context, _ int, _ time.Duration) ([]*model.WebhookEvent, error) {
		return nil, errors.New("db down")
	}
	if _, err := p.ProcessBatch(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestProcessBatch_PassesBatchSize(t *testing.T) {
	p, repo, _, _, _ := newTestProcessor()
	var gotLimit int
	repo.claimFunc = func(_ context.Context, limit int, _ time.Duration) ([]*model.WebhookEvent, error) {
		gotLimit = limit
		return nil, nil
	}
	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if gotLimit != 10 {
		t.Errorf("limit = %d, want 10", gotLimit)
	}
}
