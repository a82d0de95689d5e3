//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	pconfig "github.com/hanko-field/orders/internal/platform/config"
	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
	"github.com/hanko-field/orders/internal/repositories"
)

const postgresImage = "postgres:16-alpine"

func newIntegrationRegistry(t *testing.T) *Registry {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startPostgres(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.PostgresConfig{
		DSN:            fmt.Sprintf("postgres://orders:orders@%s/orders?sslmode=disable", endpoint),
		MaxConns:       20,
		ConnectTimeout: 5 * time.Second,
		RunMigrations:  true,
	}

	var (
		client *ppostgres.Client
		err    error
	)
	// The port accepts connections before initdb finishes.
	deadline := time.Now().Add(30 * time.Second)
	for {
		client, err = ppostgres.NewClient(context.Background(), cfg)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	registry, err := NewRegistry(client)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	return registry
}

func TestSequenceIncrementIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	repo := registry.Sequences()
	if err := repo.Create(ctx, domain.NumberSequence{ShopID: "shop-1", Purpose: domain.PurposeOrder, Prefix: "AB-11-B"}); err != nil {
		t.Fatalf("create sequence: %v", err)
	}
	err := repo.Create(ctx, domain.NumberSequence{ShopID: "shop-1", Purpose: domain.PurposeOrder, Prefix: "AB-11-B"})
	var seqErr *repositories.SequenceError
	if !errors.As(err, &seqErr) || seqErr.Code != repositories.SequenceErrorAlreadyExists {
		t.Fatalf("expected already exists, got %v", err)
	}

	const workers = 16
	results := make([]int64, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			seq, err := repo.Increment(ctx, "shop-1", domain.PurposeOrder)
			if err != nil {
				t.Errorf("increment(%d): %v", idx, err)
				return
			}
			results[idx] = seq.Value
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, val := range results {
		if val != int64(i+1) {
			t.Fatalf("expected sequence %d at position %d, got %d (%v)", i+1, i, val, results)
		}
	}

	_, err = repo.Increment(ctx, "shop-1", domain.PurposeArticle)
	if !errors.As(err, &seqErr) || seqErr.Code != repositories.SequenceErrorNotConfigured {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestOrderRoundTripIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	article := domain.Article{
		ID:          uuid.New(),
		ShopID:      "shop-1",
		ItemNumber:  "AB-11-A00001",
		Type:        domain.ArticleTypeTicket,
		TypeParams:  map[string]any{"ticket_category_id": uuid.NewString()},
		Description: "Day pass",
		Price:       3500,
		Currency:    "EUR",
		TaxRate:     decimal.RequireFromString("0.19"),
		Quantity:    3,
	}
	if err := (&ArticleRepository{conn: registry.client.Pool()}).Insert(ctx, article); err != nil {
		t.Fatalf("insert article: %v", err)
	}

	placedAt := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	order := domain.Order{
		ID:           "ord_roundtrip",
		ShopID:       "shop-1",
		OrderNumber:  "AB-11-B00001",
		Orderer:      domain.User{ID: uuid.New(), ScreenName: "Orderer"},
		Currency:     "EUR",
		TotalAmount:  7000,
		PaymentState: domain.PaymentStateOpen,
		CreatedAt:    placedAt,
		LineItems: []domain.LineItem{{
			ID:            "li_roundtrip",
			OrderID:       "ord_roundtrip",
			OrderNumber:   "AB-11-B00001",
			ArticleID:     article.ID,
			ArticleNumber: article.ItemNumber,
			ArticleType:   article.Type,
			Description:   article.Description,
			UnitPrice:     article.Price,
			TaxRate:       article.TaxRate,
			Quantity:      2,
			LineAmount:    7000,
		}},
	}

	err := registry.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		if err := tx.Articles().DecreaseQuantity(ctx, article.ID, 2); err != nil {
			return err
		}
		if err := tx.Orders().Insert(ctx, order); err != nil {
			return err
		}
		return tx.LineItems().InsertMany(ctx, order.LineItems)
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	if err := registry.Articles().DecreaseQuantity(ctx, article.ID, 2); !errors.Is(err, repositories.ErrInsufficientQuantity) {
		t.Fatalf("expected insufficient quantity, got %v", err)
	}

	err = registry.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		locked, err := tx.Orders().FindByIDForUpdate(ctx, order.ID)
		if err != nil {
			return err
		}
		method := "cash"
		return tx.Orders().UpdatePaymentState(ctx, repositories.PaymentStateUpdate{
			OrderID:       locked.ID,
			State:         domain.PaymentStatePaid,
			UpdatedAt:     placedAt.Add(time.Hour),
			UpdatedBy:     uuid.New(),
			PaymentMethod: &method,
		})
	})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	loaded, err := registry.Orders().FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if loaded.PaymentState != domain.PaymentStatePaid || loaded.PaymentMethod == nil || *loaded.PaymentMethod != "cash" {
		t.Fatalf("unexpected order %#v", loaded)
	}
	if len(loaded.LineItems) != 1 || !loaded.LineItems[0].TaxRate.Equal(article.TaxRate) {
		t.Fatalf("unexpected line items %#v", loaded.LineItems)
	}
	if loaded.LineItems[0].Processed() {
		t.Fatalf("expected unprocessed line item")
	}

	if err := registry.LineItems().UpdateProcessingResult(ctx, "li_roundtrip", map[string]any{"ticket_ids": []string{"a"}}, placedAt); err != nil {
		t.Fatalf("update processing result: %v", err)
	}
	item, err := registry.LineItems().FindByID(ctx, "li_roundtrip")
	if err != nil {
		t.Fatalf("find line item: %v", err)
	}
	if !item.Processed() || item.ProcessingResult["ticket_ids"] == nil {
		t.Fatalf("expected processing result, got %#v", item)
	}

	if _, err := registry.Orders().FindByID(ctx, "missing"); err == nil {
		t.Fatalf("expected not found")
	} else {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			t.Fatalf("expected not found classification, got %v", err)
		}
	}
}

func TestTicketCodeConflictIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	category := domain.TicketCategory{ID: uuid.New(), PartyID: "party-2024", Title: "Standard"}
	if err := (&TicketCategoryRepository{conn: registry.client.Pool()}).Insert(ctx, category); err != nil {
		t.Fatalf("insert category: %v", err)
	}
	owner := uuid.New()
	now := time.Now().UTC()
	first := domain.Ticket{ID: uuid.New(), Code: "BCDFG", CategoryID: category.ID, OwnedBy: owner, CreatedAt: now}
	if err := registry.Tickets().InsertMany(ctx, []domain.Ticket{first}); err != nil {
		t.Fatalf("insert ticket: %v", err)
	}

	orderNumber := "ON-00042"
	err := registry.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		dup := []domain.Ticket{
			{ID: uuid.New(), Code: "HJKLM", CategoryID: category.ID, OwnedBy: owner, OrderNumber: &orderNumber, CreatedAt: now},
			{ID: uuid.New(), Code: "BCDFG", CategoryID: category.ID, OwnedBy: owner, OrderNumber: &orderNumber, CreatedAt: now},
		}
		err := tx.Savepoint(ctx, func(ctx context.Context, sp repositories.Tx) error {
			return sp.Tickets().InsertMany(ctx, dup)
		})
		if !UniqueViolation(err, TicketCodeConstraint) {
			t.Fatalf("expected unique violation on %s, got %v", TicketCodeConstraint, err)
		}
		// The outer transaction stays usable after the savepoint rolled back.
		dup[1].Code = "NPQRS"
		return tx.Savepoint(ctx, func(ctx context.Context, sp repositories.Tx) error {
			return sp.Tickets().InsertMany(ctx, dup)
		})
	})
	if err != nil {
		t.Fatalf("retry insert: %v", err)
	}
	issued, err := registry.Tickets().ListByOrderNumber(ctx, orderNumber)
	if err != nil || len(issued) != 2 {
		t.Fatalf("expected 2 tickets for %s, got %v %v", orderNumber, issued, err)
	}

	revoked, err := registry.Tickets().Revoke(ctx, []uuid.UUID{first.ID})
	if err != nil || len(revoked) != 1 {
		t.Fatalf("expected one revoked ticket, got %v %v", revoked, err)
	}
	revoked, err = registry.Tickets().Revoke(ctx, []uuid.UUID{first.ID})
	if err != nil || len(revoked) != 0 {
		t.Fatalf("expected repeated revoke to be a no-op, got %v %v", revoked, err)
	}
}

func TestArticleNumbersAreScopedToShopIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	articles := &ArticleRepository{conn: registry.client.Pool()}
	newArticle := func(shopID string) domain.Article {
		return domain.Article{
			ID:          uuid.New(),
			ShopID:      shopID,
			ItemNumber:  "AN-00001",
			Type:        domain.ArticleTypeOther,
			Description: "Sticker",
			Price:       200,
			Currency:    "EUR",
			Quantity:    10,
		}
	}

	if err := articles.Insert(ctx, newArticle("shop-1")); err != nil {
		t.Fatalf("insert shop-1 article: %v", err)
	}
	if err := articles.Insert(ctx, newArticle("shop-2")); err != nil {
		t.Fatalf("expected the same number in another shop to be accepted, got %v", err)
	}
	err := articles.Insert(ctx, newArticle("shop-1"))
	if !UniqueViolation(err, ArticleNumberConstraint) {
		t.Fatalf("expected unique violation on %s, got %v", ArticleNumberConstraint, err)
	}
}

func TestBadgeAwardingsIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	user := uuid.New()
	badge := uuid.New()
	start := time.Now().UTC().Truncate(time.Microsecond)
	for i := range 2 {
		awarding := domain.BadgeAwarding{ID: uuid.New(), BadgeID: badge, UserID: user, AwardedAt: start.Add(time.Duration(i) * time.Second)}
		if err := registry.BadgeAwardings().Insert(ctx, awarding); err != nil {
			t.Fatalf("insert awarding: %v", err)
		}
	}
	if err := registry.BadgeAwardings().Insert(ctx, domain.BadgeAwarding{ID: uuid.New(), BadgeID: badge, UserID: uuid.New(), AwardedAt: start}); err != nil {
		t.Fatalf("insert other awarding: %v", err)
	}

	awardings, err := registry.BadgeAwardings().ListByUser(ctx, user)
	if err != nil {
		t.Fatalf("list awardings: %v", err)
	}
	if len(awardings) != 2 || !awardings[0].AwardedAt.Before(awardings[1].AwardedAt) {
		t.Fatalf("expected 2 awardings in award order, got %+v", awardings)
	}
}

func TestOutboxClaimSkipsLockedIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		msg := repositories.OutboxMessage{
			ID:            fmt.Sprintf("obx_%d", i),
			Topic:         "shop-orders",
			EventType:     domain.EventShopOrderPlaced,
			Key:           "ord_1",
			Payload:       []byte(`{"orderId":"ord_1"}`),
			CreatedAt:     now,
			NextAttemptAt: now.Add(time.Duration(i) * time.Millisecond),
		}
		if err := registry.Outbox().Insert(ctx, msg); err != nil {
			t.Fatalf("insert outbox: %v", err)
		}
	}

	claimed := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- registry.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
			msgs, err := tx.Outbox().ClaimPending(ctx, now.Add(time.Second), 5, 2)
			if err != nil {
				return err
			}
			if len(msgs) != 2 {
				return fmt.Errorf("expected 2 claimed messages, got %d", len(msgs))
			}
			close(claimed)
			<-release
			return nil
		})
	}()

	<-claimed
	err := registry.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		msgs, err := tx.Outbox().ClaimPending(ctx, now.Add(time.Second), 5, 10)
		if err != nil {
			return err
		}
		if len(msgs) != 1 || msgs[0].ID != "obx_2" {
			return fmt.Errorf("expected only the unlocked message, got %v", msgs)
		}
		if !strings.Contains(string(msgs[0].Payload), "ord_1") {
			return fmt.Errorf("unexpected payload %s", msgs[0].Payload)
		}
		return tx.Outbox().Reschedule(ctx, msgs[0].ID, 5, "broker down", now)
	})
	close(release)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first claim: %v", err)
	}

	err = registry.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		msgs, err := tx.Outbox().ClaimPending(ctx, now.Add(time.Second), 5, 10)
		if err != nil {
			return err
		}
		if len(msgs) != 2 {
			return fmt.Errorf("expected exhausted message to be skipped, got %d", len(msgs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("claim after reschedule: %v", err)
	}
}

func startPostgres(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:5432", port),
		"-e", "POSTGRES_USER=orders",
		"-e", "POSTGRES_PASSWORD=orders",
		"-e", "POSTGRES_DB=orders",
		postgresImage,
	}
	out, err := exec.Command("docker", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start postgres: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("postgres did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
