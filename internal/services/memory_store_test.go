package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

type memError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *memError) Error() string       { return e.msg }
func (e *memError) IsNotFound() bool    { return e.notFound }
func (e *memError) IsConflict() bool    { return e.conflict }
func (e *memError) IsUnavailable() bool { return e.unavailable }

func memNotFound(format string, args ...any) error {
	return &memError{msg: fmt.Sprintf(format, args...), notFound: true}
}

func memConflict(format string, args ...any) error {
	return &memError{msg: fmt.Sprintf(format, args...), conflict: true}
}

type memState struct {
	sequences  map[string]domain.NumberSequence
	orders     map[string]domain.Order
	lineItems  map[string]domain.LineItem
	lineOrder  []string
	logs       []domain.OrderLogEntry
	payments   []domain.Payment
	articles   map[uuid.UUID]domain.Article
	categories map[uuid.UUID]domain.TicketCategory
	tickets    []domain.Ticket
	bundles    map[uuid.UUID]domain.TicketBundle
	actions    []domain.OrderAction
	awardings  []domain.BadgeAwarding
	outbox     map[string]repositories.OutboxMessage
}

func newMemState() *memState {
	return &memState{
		sequences:  map[string]domain.NumberSequence{},
		orders:     map[string]domain.Order{},
		lineItems:  map[string]domain.LineItem{},
		articles:   map[uuid.UUID]domain.Article{},
		categories: map[uuid.UUID]domain.TicketCategory{},
		bundles:    map[uuid.UUID]domain.TicketBundle{},
		outbox:     map[string]repositories.OutboxMessage{},
	}
}

func (s *memState) clone() *memState {
	return &memState{
		sequences:  maps.Clone(s.sequences),
		orders:     maps.Clone(s.orders),
		lineItems:  maps.Clone(s.lineItems),
		lineOrder:  slices.Clone(s.lineOrder),
		logs:       slices.Clone(s.logs),
		payments:   slices.Clone(s.payments),
		articles:   maps.Clone(s.articles),
		categories: maps.Clone(s.categories),
		tickets:    slices.Clone(s.tickets),
		bundles:    maps.Clone(s.bundles),
		actions:    slices.Clone(s.actions),
		awardings:  slices.Clone(s.awardings),
		outbox:     maps.Clone(s.outbox),
	}
}

// memHooks injects failures into the fake store.
type memHooks struct {
	mu                sync.Mutex
	ticketInsertErrs  []error
	ticketInsertCalls int
	outboxInsertErr   error
	paymentInsertErr  error
}

func (h *memHooks) nextTicketInsertErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ticketInsertCalls++
	if len(h.ticketInsertErrs) == 0 {
		return nil
	}
	err := h.ticketInsertErrs[0]
	h.ticketInsertErrs = h.ticketInsertErrs[1:]
	return err
}

// memStore is a repositories.Store over one state snapshot.
type memStore struct {
	mu    *sync.Mutex
	st    *memState
	hooks *memHooks
}

func (s memStore) Sequences() repositories.NumberSequenceRepository { return memSequences{s} }
func (s memStore) Orders() repositories.OrderRepository             { return memOrders{s} }
func (s memStore) LineItems() repositories.LineItemRepository       { return memLineItems{s} }
func (s memStore) OrderLog() repositories.OrderLogRepository        { return memOrderLog{s} }
func (s memStore) Payments() repositories.PaymentRepository         { return memPayments{s} }
func (s memStore) Articles() repositories.ArticleRepository         { return memArticles{s} }
func (s memStore) TicketCategories() repositories.TicketCategoryRepository {
	return memCategories{s}
}
func (s memStore) Tickets() repositories.TicketRepository             { return memTickets{s} }
func (s memStore) TicketBundles() repositories.TicketBundleRepository { return memBundles{s} }
func (s memStore) OrderActions() repositories.OrderActionRepository   { return memActions{s} }
func (s memStore) BadgeAwardings() repositories.BadgeAwardingRepository {
	return memAwardings{s}
}
func (s memStore) Outbox() repositories.OutboxRepository { return memOutbox{s} }

type memTx struct {
	memStore
}

func (t *memTx) Savepoint(ctx context.Context, fn func(ctx context.Context, tx repositories.Tx) error) error {
	t.mu.Lock()
	nested := &memTx{memStore{mu: &sync.Mutex{}, st: t.st.clone(), hooks: t.hooks}}
	t.mu.Unlock()
	if err := fn(ctx, nested); err != nil {
		return err
	}
	t.mu.Lock()
	*t.st = *nested.st
	t.mu.Unlock()
	return nil
}

// memRegistry serialises transactions, which also stands in for row locks.
type memRegistry struct {
	memStore
	txMu    sync.Mutex
	txCount int
}

var _ repositories.Registry = (*memRegistry)(nil)

func newMemRegistry() *memRegistry {
	return &memRegistry{memStore: memStore{mu: &sync.Mutex{}, st: newMemState(), hooks: &memHooks{}}}
}

func (r *memRegistry) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repositories.Tx) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.txCount++

	r.mu.Lock()
	tx := &memTx{memStore{mu: &sync.Mutex{}, st: r.st.clone(), hooks: r.hooks}}
	r.mu.Unlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.mu.Lock()
	*r.st = *tx.st
	r.mu.Unlock()
	return nil
}

func (r *memRegistry) Close(context.Context) error { return nil }

func (r *memRegistry) snapshot() *memState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.clone()
}

func (r *memRegistry) seedArticle(a domain.Article) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.articles[a.ID] = a
}

func (r *memRegistry) seedCategory(c domain.TicketCategory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.categories[c.ID] = c
}

func (r *memRegistry) seedAction(a domain.OrderAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.actions = append(r.st.actions, a)
}

func (r *memRegistry) seedTicket(t domain.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.tickets = append(r.st.tickets, t)
}

func sequenceKey(shopID string, purpose domain.Purpose) string {
	return shopID + ":" + string(purpose)
}

type memSequences struct{ s memStore }

func (m memSequences) Create(_ context.Context, seq domain.NumberSequence) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key := sequenceKey(seq.ShopID, seq.Purpose)
	if _, ok := m.s.st.sequences[key]; ok {
		err := repositories.NewSequenceError(repositories.SequenceErrorAlreadyExists, "sequence exists", nil)
		err.Op = "sequences.create"
		return err
	}
	m.s.st.sequences[key] = seq
	return nil
}

func (m memSequences) Find(_ context.Context, shopID string, purpose domain.Purpose) (domain.NumberSequence, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	seq, ok := m.s.st.sequences[sequenceKey(shopID, purpose)]
	if !ok {
		return domain.NumberSequence{}, repositories.SequenceNotConfigured("sequences.find", shopID, purpose)
	}
	return seq, nil
}

func (m memSequences) Increment(_ context.Context, shopID string, purpose domain.Purpose) (domain.NumberSequence, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key := sequenceKey(shopID, purpose)
	seq, ok := m.s.st.sequences[key]
	if !ok {
		return domain.NumberSequence{}, repositories.SequenceNotConfigured("sequences.increment", shopID, purpose)
	}
	seq.Value++
	m.s.st.sequences[key] = seq
	return seq, nil
}

type memOrders struct{ s memStore }

func (m memOrders) Insert(_ context.Context, order domain.Order) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.st.orders[order.ID]; ok {
		return memConflict("order %s exists", order.ID)
	}
	for _, existing := range m.s.st.orders {
		if existing.OrderNumber == order.OrderNumber {
			return memConflict("order number %s exists", order.OrderNumber)
		}
	}
	order.LineItems = nil
	m.s.st.orders[order.ID] = order
	return nil
}

func (m memOrders) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	order, ok := m.s.st.orders[orderID]
	if !ok {
		return domain.Order{}, memNotFound("order %s not found", orderID)
	}
	order.LineItems = m.s.st.itemsOf(orderID)
	return order, nil
}

func (m memOrders) FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	return m.FindByID(ctx, orderID)
}

func (m memOrders) UpdatePaymentState(_ context.Context, update repositories.PaymentStateUpdate) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	order, ok := m.s.st.orders[update.OrderID]
	if !ok {
		return memNotFound("order %s not found", update.OrderID)
	}
	order.PaymentState = update.State
	order.PaymentStateUpdatedAt = valuePtr(update.UpdatedAt)
	order.PaymentStateUpdatedBy = valuePtr(update.UpdatedBy)
	if update.PaymentMethod != nil {
		order.PaymentMethod = update.PaymentMethod
	}
	if update.CancellationReason != nil {
		order.CancellationReason = update.CancellationReason
	}
	m.s.st.orders[order.ID] = order
	return nil
}

func (m memOrders) UpdateProcessedAt(_ context.Context, orderID string, processedAt *time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	order, ok := m.s.st.orders[orderID]
	if !ok {
		return memNotFound("order %s not found", orderID)
	}
	order.ProcessedAt = processedAt
	m.s.st.orders[orderID] = order
	return nil
}

func (m memOrders) Delete(_ context.Context, orderID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.st.orders[orderID]; !ok {
		return memNotFound("order %s not found", orderID)
	}
	delete(m.s.st.orders, orderID)
	return nil
}

func (s *memState) itemsOf(orderID string) []domain.LineItem {
	var items []domain.LineItem
	for _, id := range s.lineOrder {
		if item, ok := s.lineItems[id]; ok && item.OrderID == orderID {
			items = append(items, item)
		}
	}
	return items
}

type memLineItems struct{ s memStore }

func (m memLineItems) InsertMany(_ context.Context, items []domain.LineItem) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, item := range items {
		m.s.st.lineItems[item.ID] = item
		m.s.st.lineOrder = append(m.s.st.lineOrder, item.ID)
	}
	return nil
}

func (m memLineItems) FindByID(_ context.Context, id string) (domain.LineItem, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	item, ok := m.s.st.lineItems[id]
	if !ok {
		return domain.LineItem{}, memNotFound("line item %s not found", id)
	}
	return item, nil
}

func (m memLineItems) FindByIDForUpdate(ctx context.Context, id string) (domain.LineItem, error) {
	return m.FindByID(ctx, id)
}

func (m memLineItems) ListByOrder(_ context.Context, orderID string) ([]domain.LineItem, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.st.itemsOf(orderID), nil
}

func (m memLineItems) UpdateProcessingResult(_ context.Context, id string, result map[string]any, processedAt time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	item, ok := m.s.st.lineItems[id]
	if !ok {
		return memNotFound("line item %s not found", id)
	}
	item.ProcessingResult = result
	item.ProcessedAt = valuePtr(processedAt)
	m.s.st.lineItems[id] = item
	return nil
}

func (m memLineItems) DeleteByOrder(_ context.Context, orderID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for id, item := range m.s.st.lineItems {
		if item.OrderID == orderID {
			delete(m.s.st.lineItems, id)
		}
	}
	return nil
}

type memOrderLog struct{ s memStore }

func (m memOrderLog) Append(_ context.Context, entries ...domain.OrderLogEntry) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.st.logs = append(m.s.st.logs, entries...)
	return nil
}

func (m memOrderLog) ListByOrder(_ context.Context, orderID string) ([]domain.OrderLogEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.st.logsOf(orderID), nil
}

func (m memOrderLog) DeleteByOrder(_ context.Context, orderID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.st.logs = slices.DeleteFunc(m.s.st.logs, func(e domain.OrderLogEntry) bool { return e.OrderID == orderID })
	return nil
}

func (s *memState) logsOf(orderID string) []domain.OrderLogEntry {
	var out []domain.OrderLogEntry
	for _, e := range s.logs {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

func (s *memState) logsOfType(orderID string, eventType domain.OrderLogEventType) []domain.OrderLogEntry {
	var out []domain.OrderLogEntry
	for _, e := range s.logsOf(orderID) {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type memPayments struct{ s memStore }

func (m memPayments) Insert(_ context.Context, p domain.Payment) error {
	if err := m.s.hooks.paymentInsertErr; err != nil {
		return err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.st.payments = append(m.s.st.payments, p)
	return nil
}

func (m memPayments) ListByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Payment
	for _, p := range m.s.st.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m memPayments) DeleteByOrder(_ context.Context, orderID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.st.payments = slices.DeleteFunc(m.s.st.payments, func(p domain.Payment) bool { return p.OrderID == orderID })
	return nil
}

type memArticles struct{ s memStore }

func (m memArticles) FindByID(_ context.Context, id uuid.UUID) (domain.Article, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.st.articles[id]
	if !ok {
		return domain.Article{}, memNotFound("article %s not found", id)
	}
	return a, nil
}

func (m memArticles) IncreaseQuantity(_ context.Context, id uuid.UUID, amount int) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.st.articles[id]
	if !ok {
		return memNotFound("article %s not found", id)
	}
	a.Quantity += amount
	m.s.st.articles[id] = a
	return nil
}

func (m memArticles) DecreaseQuantity(_ context.Context, id uuid.UUID, amount int) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.st.articles[id]
	if !ok {
		return memNotFound("article %s not found", id)
	}
	if a.Quantity < amount {
		return repositories.ErrInsufficientQuantity
	}
	a.Quantity -= amount
	m.s.st.articles[id] = a
	return nil
}

type memCategories struct{ s memStore }

func (m memCategories) FindByID(_ context.Context, id uuid.UUID) (domain.TicketCategory, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.st.categories[id]
	if !ok {
		return domain.TicketCategory{}, memNotFound("category %s not found", id)
	}
	return c, nil
}

type memTickets struct{ s memStore }

func (m memTickets) InsertMany(_ context.Context, tickets []domain.Ticket) error {
	if err := m.s.hooks.nextTicketInsertErr(); err != nil {
		return err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, t := range tickets {
		for _, existing := range m.s.st.tickets {
			if existing.Code == t.Code {
				return memConflict("ticket code %s exists", t.Code)
			}
		}
	}
	m.s.st.tickets = append(m.s.st.tickets, tickets...)
	return nil
}

func (m memTickets) ListByOrderNumber(_ context.Context, orderNumber string) ([]domain.Ticket, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Ticket
	for _, t := range m.s.st.tickets {
		if t.OrderNumber != nil && *t.OrderNumber == orderNumber {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m memTickets) Revoke(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var changed []uuid.UUID
	for i, t := range m.s.st.tickets {
		if slices.Contains(ids, t.ID) && !t.Revoked {
			m.s.st.tickets[i].Revoked = true
			changed = append(changed, t.ID)
		}
	}
	return changed, nil
}

type memBundles struct{ s memStore }

func (m memBundles) Insert(_ context.Context, b domain.TicketBundle) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	b.Tickets = nil
	m.s.st.bundles[b.ID] = b
	return nil
}

func (m memBundles) FindByID(_ context.Context, id uuid.UUID) (domain.TicketBundle, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	b, ok := m.s.st.bundles[id]
	if !ok {
		return domain.TicketBundle{}, memNotFound("bundle %s not found", id)
	}
	for _, t := range m.s.st.tickets {
		if t.BundleID != nil && *t.BundleID == id {
			b.Tickets = append(b.Tickets, t)
		}
	}
	return b, nil
}

func (m memBundles) Revoke(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var changed []uuid.UUID
	for _, id := range ids {
		b, ok := m.s.st.bundles[id]
		if !ok || b.Revoked {
			continue
		}
		b.Revoked = true
		m.s.st.bundles[id] = b
		changed = append(changed, id)
	}
	for i, t := range m.s.st.tickets {
		if t.BundleID != nil && slices.Contains(ids, *t.BundleID) {
			m.s.st.tickets[i].Revoked = true
		}
	}
	return changed, nil
}

type memActions struct{ s memStore }

func (m memActions) Insert(_ context.Context, a domain.OrderAction) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.st.actions = append(m.s.st.actions, a)
	return nil
}

func (m memActions) ListByArticleNumbers(_ context.Context, numbers []string) ([]domain.OrderAction, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.OrderAction
	for _, a := range m.s.st.actions {
		if slices.Contains(numbers, a.ArticleNumber) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ArticleNumber < out[j].ArticleNumber })
	return out, nil
}

type memAwardings struct{ s memStore }

func (m memAwardings) Insert(_ context.Context, a domain.BadgeAwarding) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.st.awardings = append(m.s.st.awardings, a)
	return nil
}

func (m memAwardings) ListByUser(_ context.Context, userID uuid.UUID) ([]domain.BadgeAwarding, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.BadgeAwarding
	for _, a := range m.s.st.awardings {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

type memOutbox struct{ s memStore }

func (m memOutbox) Insert(_ context.Context, msg repositories.OutboxMessage) error {
	if err := m.s.hooks.outboxInsertErr; err != nil {
		return err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.st.outbox[msg.ID] = msg
	return nil
}

func (m memOutbox) ClaimPending(_ context.Context, now time.Time, maxAttempts int, limit int) ([]repositories.OutboxMessage, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []repositories.OutboxMessage
	for _, msg := range m.s.st.outbox {
		if msg.Attempts < maxAttempts && !msg.NextAttemptAt.After(now) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memOutbox) Delete(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.st.outbox[id]; !ok {
		return memNotFound("outbox %s not found", id)
	}
	delete(m.s.st.outbox, id)
	return nil
}

func (m memOutbox) Reschedule(_ context.Context, id string, attempts int, lastError string, next time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	msg, ok := m.s.st.outbox[id]
	if !ok {
		return memNotFound("outbox %s not found", id)
	}
	msg.Attempts = attempts
	msg.LastError = valuePtr(lastError)
	msg.NextAttemptAt = next
	m.s.st.outbox[id] = msg
	return nil
}

var errInjected = errors.New("injected failure")
