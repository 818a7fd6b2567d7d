//go:build integration

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hitoshi/linkvault/internal/database"
	"github.com/hitoshi/linkvault/internal/model"
)

// containersAvailable はDockerソケットまたはDOCKER_HOSTが利用可能かを返す。
func containersAvailable() bool {
	if os.Getenv("DOCKER_HOST") != "" {
		return true
	}
	_, err := os.Stat("/var/run/docker.sock")
	return err == nil
}

// startPostgres はPostgreSQLコンテナを起動し、マイグレーション適用済みのDBを返す。
func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if !containersAvailable() {
		t.Skip("container runtime not available; skipping container-based integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image: "postgres:15-alpine",
		Env: map[string]string{
			"POSTGRES_DB":       "linkvault",
			"POSTGRES_USER":     "linkvault",
			"POSTGRES_PASSWORD": "password",
		},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start container: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	host, err := pg.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	dsn := "postgres://linkvault:password@" + host + ":" + port.Port() + "/linkvault?sslmode=disable"

	if err := database.RunMigrations(dsn); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	db, err := database.Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRepositories_WithContainer(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()

	users := NewPostgresUserRepo(db)
	companies := NewPostgresCompanyRepo(db)
	products := NewPostgresProductRepo(db)
	purchases := NewPostgresPurchaseRepo(db)
	events := NewPostgresWebhookEventRepo(db)

	// カンパニーのUpsertはトークンを保持したまま最小行で再Upsertできる
	company, err := companies.Upsert(ctx, &model.Company{
		WhopCompanyID: "biz_1",
		Name:          "Acme",
		Active:        true,
		Tokens:        &model.TokenBundle{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("company Upsert: %v", err)
	}
	again, err := companies.Upsert(ctx, &model.Company{WhopCompanyID: "biz_1"})
	if err != nil {
		t.Fatalf("company re-Upsert: %v", err)
	}
	if again.ID != company.ID || again.Tokens == nil || again.Tokens.RefreshToken != "rt" || again.Name != "Acme" {
		t.Errorf("re-upsert should keep existing values, got %+v", again)
	}

	// sellerはbuyerとして再Upsertされても降格しない
	seller, err := users.Upsert(ctx, &model.User{WhopUserID: "user_1", Role: model.RoleSeller, CompanyID: company.ID})
	if err != nil {
		t.Fatalf("user Upsert: %v", err)
	}
	asBuyer, err := users.Upsert(ctx, &model.User{WhopUserID: "user_1", Role: model.RoleBuyer})
	if err != nil {
		t.Fatalf("user re-Upsert: %v", err)
	}
	if asBuyer.Role != model.RoleSeller || asBuyer.CompanyID != company.ID {
		t.Errorf("unexpected user after buyer upsert: %+v", asBuyer)
	}
	buyer, err := users.Upsert(ctx, &model.User{WhopUserID: "user_2", Role: model.RoleBuyer})
	if err != nil {
		t.Fatalf("buyer Upsert: %v", err)
	}

	now := time.Now()
	p := &model.Product{
		ID: uuid.New().String(), Title: "Ebook", PriceCents: 500, Currency: "usd", FileKey: "f1",
		OwnerUserID: seller.ID, Active: true, CreatedAt: now, UpdatedAt: now,
	}
	if err := products.Create(ctx, p); err != nil {
		t.Fatalf("product Create: %v", err)
	}

	// 購入URLは1回だけ保存できる
	saved, err := products.SaveCheckout(ctx, p.ID, "plan_1", "ch_1", "https://whop.com/checkout/ch_1")
	if err != nil || !saved {
		t.Fatalf("SaveCheckout: saved=%v err=%v", saved, err)
	}
	saved, err = products.SaveCheckout(ctx, p.ID, "plan_2", "ch_2", "https://whop.com/checkout/ch_2")
	if err != nil || saved {
		t.Fatalf("second SaveCheckout should not overwrite: saved=%v err=%v", saved, err)
	}
	got, err := products.FindByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.PurchaseURL != "https://whop.com/checkout/ch_1" || got.PlanID != "plan_1" {
		t.Errorf("unexpected product: %+v", got)
	}

	// 購入記録は決済IDで冪等
	inserted, err := purchases.Create(ctx, &model.Purchase{ProductID: p.ID, BuyerUserID: buyer.ID, WhopPaymentID: "pay_1", AmountCents: 500})
	if err != nil || !inserted {
		t.Fatalf("purchase Create: inserted=%v err=%v", inserted, err)
	}
	inserted, err = purchases.Create(ctx, &model.Purchase{ProductID: p.ID, BuyerUserID: buyer.ID, WhopPaymentID: "pay_1", AmountCents: 500})
	if err != nil || inserted {
		t.Fatalf("duplicate purchase should be ignored: inserted=%v err=%v", inserted, err)
	}

	// 購入記録がある商品は削除できない
	if err := products.Delete(ctx, p.ID); !errors.Is(err, ErrReferenced) {
		t.Errorf("Delete error = %v, want ErrReferenced", err)
	}

	n, err := purchases.UpdateStatusByPaymentID(ctx, "pay_1", model.PurchaseStatusRefunded)
	if err != nil || n != 1 {
		t.Fatalf("UpdateStatusByPaymentID: n=%d err=%v", n, err)
	}
	if paid, _ := purchases.FindPaid(ctx, p.ID, buyer.ID); paid != nil {
		t.Errorf("refunded purchase should not be found as paid: %+v", paid)
	}

	// Webhookイベントはevent_idで重複排除され、claimは1回だけ返す
	payload := json.RawMessage(`{"action":"payment.succeeded","data":{"id":"pay_2"}}`)
	ok, err := events.Insert(ctx, &model.WebhookEvent{EventID: "evt_1", EventType: model.EventPaymentSucceeded, Payload: payload})
	if err != nil || !ok {
		t.Fatalf("event Insert: ok=%v err=%v", ok, err)
	}
	ok, err = events.Insert(ctx, &model.WebhookEvent{EventID: "evt_1", EventType: model.EventPaymentSucceeded, Payload: payload})
	if err != nil || ok {
		t.Fatalf("duplicate event should be ignored: ok=%v err=%v", ok, err)
	}
	claimed, err := events.ClaimPending(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(claimed) != 1 || claimed[0].EventID != "evt_1" {
		t.Fatalf("unexpected claimed events: %+v", claimed)
	}
	again2, err := events.ClaimPending(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("second ClaimPending: %v", err)
	}
	if len(again2) != 0 {
		t.Errorf("claimed events should not be returned twice, got %d", len(again2))
	}
	if err := events.MarkDone(ctx, claimed[0].ID, model.WebhookStatusProcessed, ""); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
}
