package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	testOccurredAt = time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	testOrderer    = User{ID: uuid.MustParse("8f2ac0b6-1a64-4d1e-9a53-3b5a6a4d1f01"), ScreenName: "Orderer"}
	testAdmin      = User{ID: uuid.MustParse("1d5b8a32-55e4-4a5f-8a0c-8d9b8f3cbb02"), ScreenName: "Admin"}
)

func testOrder(state PaymentState) Order {
	return Order{
		ID:           "ord_01",
		ShopID:       "shop-1",
		OrderNumber:  "AEC-03-B00074",
		Orderer:      testOrderer,
		Currency:     "EUR",
		PaymentState: state,
		LineItems: []LineItem{
			{ID: "li_1", ArticleType: ArticleTypeTicket, Quantity: 2},
		},
	}
}

func TestMarkOrderAsPaidFromOpen(t *testing.T) {
	result, err := MarkOrderAsPaid(testOrder(PaymentStateOpen), "bank_transfer", map[string]any{"ref": "X1"}, testAdmin, testOccurredAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Event.PaymentMethod != "bank_transfer" {
		t.Fatalf("expected payment method on event, got %q", result.Event.PaymentMethod)
	}
	if result.Event.OrderNumber != "AEC-03-B00074" || result.Event.Orderer.ID != testOrderer.ID {
		t.Fatalf("unexpected event %#v", result.Event)
	}
	if result.Event.Initiator.ID != testAdmin.ID {
		t.Fatalf("expected initiator on event")
	}
	if result.LogEntry.EventType != LogOrderPaid {
		t.Fatalf("expected order-paid log entry, got %s", result.LogEntry.EventType)
	}
	if result.LogEntry.Data["payment_method"] != "bank_transfer" || result.LogEntry.Data["initiator_id"] != testAdmin.ID.String() {
		t.Fatalf("unexpected log data %#v", result.LogEntry.Data)
	}
	if !result.LogEntry.OccurredAt.Equal(testOccurredAt) {
		t.Fatalf("expected occurred at %s, got %s", testOccurredAt, result.LogEntry.OccurredAt)
	}
}

func TestMarkOrderAsPaidRejectsNonOpenStates(t *testing.T) {
	for _, state := range []PaymentState{PaymentStatePaid, PaymentStateCanceledBeforePaid, PaymentStateCanceledAfterPaid} {
		t.Run(string(state), func(t *testing.T) {
			_, err := MarkOrderAsPaid(testOrder(state), "cash", nil, testAdmin, testOccurredAt)
			if !errors.Is(err, ErrOrderAlreadyMarkedAsPaid) {
				t.Fatalf("expected ErrOrderAlreadyMarkedAsPaid, got %v", err)
			}
		})
	}
}

func TestMarkOrderAsPaidRequiresPaymentMethod(t *testing.T) {
	_, err := MarkOrderAsPaid(testOrder(PaymentStateOpen), "  ", nil, testAdmin, testOccurredAt)
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCancelOrderSelectsTerminalState(t *testing.T) {
	cases := []struct {
		from       PaymentState
		to         PaymentState
		logType    OrderLogEventType
		revocation bool
	}{
		{PaymentStateOpen, PaymentStateCanceledBeforePaid, LogOrderCanceledBeforePaid, false},
		{PaymentStatePaid, PaymentStateCanceledAfterPaid, LogOrderCanceledAfterPaid, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.from), func(t *testing.T) {
			result, err := CancelOrder(testOrder(tc.from), "duplicate order", testAdmin, testOccurredAt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.PaymentStateTo != tc.to {
				t.Fatalf("expected %s, got %s", tc.to, result.PaymentStateTo)
			}
			if result.RevocationRequired() != tc.revocation {
				t.Fatalf("expected revocation %v", tc.revocation)
			}
			if result.LogEntry.EventType != tc.logType {
				t.Fatalf("expected log type %s, got %s", tc.logType, result.LogEntry.EventType)
			}
			if result.LogEntry.Data["reason"] != "duplicate order" {
				t.Fatalf("expected reason in log data, got %#v", result.LogEntry.Data)
			}
			if result.Event.Reason != "duplicate order" || result.Event.PaymentStateTo != tc.to {
				t.Fatalf("unexpected event %#v", result.Event)
			}
		})
	}
}

func TestCancelOrderRejectsCanceledStates(t *testing.T) {
	for _, state := range []PaymentState{PaymentStateCanceledBeforePaid, PaymentStateCanceledAfterPaid} {
		t.Run(string(state), func(t *testing.T) {
			_, err := CancelOrder(testOrder(state), "again", testAdmin, testOccurredAt)
			if !errors.Is(err, ErrOrderAlreadyCanceled) {
				t.Fatalf("expected ErrOrderAlreadyCanceled, got %v", err)
			}
		})
	}
}

func TestShippedFlagRequiresProcessing(t *testing.T) {
	order := testOrder(PaymentStatePaid)
	if _, err := SetShippedFlag(order, testAdmin, testOccurredAt); !errors.Is(err, ErrOrderShippingNotRequired) {
		t.Fatalf("expected ErrOrderShippingNotRequired, got %v", err)
	}

	order.LineItems = append(order.LineItems, LineItem{ID: "li_2", ArticleType: ArticleTypePhysical, Quantity: 1, ProcessingRequired: true})
	entry, err := SetShippedFlag(order, testAdmin, testOccurredAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.EventType != LogOrderShipped {
		t.Fatalf("expected order-shipped, got %s", entry.EventType)
	}

	entry, err = UnsetShippedFlag(order, testAdmin, testOccurredAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.EventType != LogOrderShippedWithdrawn {
		t.Fatalf("expected order-shipped-withdrawn, got %s", entry.EventType)
	}

	order.PaymentState = PaymentStateCanceledAfterPaid
	if _, err := UnsetShippedFlag(order, testAdmin, testOccurredAt); !errors.Is(err, ErrOrderNotShippable) {
		t.Fatalf("expected ErrOrderNotShippable, got %v", err)
	}
}

func TestAddNote(t *testing.T) {
	for _, state := range []PaymentState{PaymentStateOpen, PaymentStateCanceledAfterPaid} {
		entry, err := AddNote(testOrder(state), testAdmin, "called customer", testOccurredAt)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if entry.EventType != LogOrderNoteAdded || entry.Data["text"] != "called customer" {
			t.Fatalf("unexpected entry %#v", entry)
		}
	}
	if _, err := AddNote(testOrder(PaymentStateOpen), testAdmin, "", testOccurredAt); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for empty note, got %v", err)
	}
}

func TestPlaceOrderComputesTotals(t *testing.T) {
	ticket := Article{
		ID:         uuid.New(),
		ShopID:     "shop-1",
		ItemNumber: "AEC-03-A00001",
		Type:       ArticleTypeTicket,
		Price:      3500,
		Currency:   "EUR",
		TaxRate:    decimal.RequireFromString("0.19"),
	}
	shirt := Article{
		ID:                 uuid.New(),
		ShopID:             "shop-1",
		ItemNumber:         "AEC-03-A00002",
		Type:               ArticleTypePhysical,
		Price:              1999,
		Currency:           "EUR",
		ProcessingRequired: true,
	}

	placed, err := PlaceOrder(OrderPlacement{
		ID:          "ord_new",
		ShopID:      "shop-1",
		OrderNumber: "AEC-03-B00074",
		Orderer:     testOrderer,
		Currency:    "eur",
		Items:       []PlacementItem{{Article: ticket, Quantity: 2}, {Article: shirt, Quantity: 1}},
		PlacedAt:    testOccurredAt,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if placed.Order.TotalAmount != 2*3500+1999 {
		t.Fatalf("unexpected total %d", placed.Order.TotalAmount)
	}
	if placed.Order.Currency != "EUR" || placed.Order.PaymentState != PaymentStateOpen {
		t.Fatalf("unexpected order header %#v", placed.Order)
	}
	if !placed.Order.ProcessingRequired() {
		t.Fatalf("expected processing to be required")
	}
	if placed.Order.LineItems[0].LineAmount != 7000 || !placed.Order.LineItems[0].TaxRate.Equal(decimal.RequireFromString("0.19")) {
		t.Fatalf("unexpected line item %#v", placed.Order.LineItems[0])
	}
	if placed.Event.TotalAmount != placed.Order.TotalAmount || placed.LogEntry.EventType != LogOrderPlaced {
		t.Fatalf("unexpected event/log %#v %#v", placed.Event, placed.LogEntry)
	}
}

func TestPlaceOrderRejectsInvalidItems(t *testing.T) {
	base := OrderPlacement{ID: "ord_x", ShopID: "shop-1", OrderNumber: "N-00001", Orderer: testOrderer, Currency: "EUR", PlacedAt: testOccurredAt}

	cases := map[string][]PlacementItem{
		"empty":         nil,
		"zero quantity": {{Article: Article{Type: ArticleTypeTicket}, Quantity: 0}},
		"unknown type":  {{Article: Article{Type: "voucher"}, Quantity: 1}},
		"foreign shop":  {{Article: Article{Type: ArticleTypeTicket, ShopID: "shop-2"}, Quantity: 1}},
		"currency":      {{Article: Article{Type: ArticleTypeTicket, Currency: "USD"}, Quantity: 1}},
	}
	for name, items := range cases {
		t.Run(name, func(t *testing.T) {
			p := base
			p.Items = items
			if _, err := PlaceOrder(p); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestFormatSequenceNumber(t *testing.T) {
	if got := FormatSequenceNumber("AB-11-B", 253); got != "AB-11-B00253" {
		t.Fatalf("expected AB-11-B00253, got %s", got)
	}
	if got := FormatSequenceNumber("X-", 123456); got != "X-123456" {
		t.Fatalf("expected field to widen, got %s", got)
	}
}
