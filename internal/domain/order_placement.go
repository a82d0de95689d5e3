package domain

import (
	"fmt"
	"strings"
	"time"
)

// PlacementItem requests a quantity of one article.
type PlacementItem struct {
	Article  Article
	Quantity int
}

// OrderPlacement describes an order that is about to be stored.
type OrderPlacement struct {
	ID          string
	ShopID      string
	OrderNumber string
	Orderer     User
	Currency    string
	Items       []PlacementItem
	PlacedAt    time.Time
}

// PlacedOrder bundles the new order with its audit entry and event.
type PlacedOrder struct {
	Order    Order
	LogEntry OrderLogEntry
	Event    ShopOrderPlacedEvent
}

// PlaceOrder builds an open order from the requested items. Line item IDs are left empty.
func PlaceOrder(p OrderPlacement) (PlacedOrder, error) {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.OrderNumber) == "" {
		return PlacedOrder{}, fmt.Errorf("%w: order id and number are required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(p.ShopID) == "" {
		return PlacedOrder{}, fmt.Errorf("%w: shop id is required", ErrOrderInvalidInput)
	}
	if len(p.Items) == 0 {
		return PlacedOrder{}, fmt.Errorf("%w: at least one line item is required", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		return PlacedOrder{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}

	order := Order{
		ID:           p.ID,
		ShopID:       p.ShopID,
		OrderNumber:  p.OrderNumber,
		Orderer:      p.Orderer,
		Currency:     currency,
		PaymentState: PaymentStateOpen,
		CreatedAt:    p.PlacedAt,
		LineItems:    make([]LineItem, 0, len(p.Items)),
	}

	for i, item := range p.Items {
		article := item.Article
		if item.Quantity < 1 {
			return PlacedOrder{}, fmt.Errorf("%w: line item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		if !article.Type.Valid() {
			return PlacedOrder{}, fmt.Errorf("%w: article %s has unknown type %q", ErrOrderInvalidInput, article.ItemNumber, article.Type)
		}
		if article.ShopID != "" && article.ShopID != p.ShopID {
			return PlacedOrder{}, fmt.Errorf("%w: article %s belongs to another shop", ErrOrderInvalidInput, article.ItemNumber)
		}
		if article.Currency != "" && !strings.EqualFold(article.Currency, currency) {
			return PlacedOrder{}, fmt.Errorf("%w: article %s is priced in %s", ErrOrderInvalidInput, article.ItemNumber, article.Currency)
		}

		lineAmount := article.Price * int64(item.Quantity)
		order.TotalAmount += lineAmount
		order.LineItems = append(order.LineItems, LineItem{
			OrderID:            order.ID,
			OrderNumber:        order.OrderNumber,
			ArticleID:          article.ID,
			ArticleNumber:      article.ItemNumber,
			ArticleType:        article.Type,
			Description:        article.Description,
			UnitPrice:          article.Price,
			TaxRate:            article.TaxRate,
			Quantity:           item.Quantity,
			LineAmount:         lineAmount,
			ProcessingRequired: article.ProcessingRequired,
		})
	}

	entry := OrderLogEntry{
		OrderID:    order.ID,
		OccurredAt: p.PlacedAt,
		EventType:  LogOrderPlaced,
		Data: map[string]any{
			"initiator_id": p.Orderer.ID.String(),
		},
	}
	event := ShopOrderPlacedEvent{
		OrderEventBase: newOrderEventBase(order, p.Orderer, p.PlacedAt),
		TotalAmount:    order.TotalAmount,
		Currency:       order.Currency,
	}
	return PlacedOrder{Order: order, LogEntry: entry, Event: event}, nil
}
