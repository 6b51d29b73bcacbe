package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/repositories"
)

type repositoryErrorStub struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repositoryErrorStub) Error() string {
	return "repository error"
}

func (e *repositoryErrorStub) IsNotFound() bool {
	return e.notFound
}

func (e *repositoryErrorStub) IsConflict() bool {
	return e.conflict
}

func (e *repositoryErrorStub) IsUnavailable() bool {
	return e.unavailable
}

// memoryOrders is an OrderRepository that enforces revision checks like the Firestore one.
// Hooks run before the default behaviour and may short-circuit it by returning handled=true.
type memoryOrders struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	numbers  map[string]string
	revision int64

	insertHook func(domain.Order) (handled bool, err error)
	updateHook func(domain.Order) (handled bool, err error)

	inserts int
	updates int
}

func newMemoryOrders(seed ...domain.Order) *memoryOrders {
	repo := &memoryOrders{
		orders:  make(map[string]domain.Order),
		numbers: make(map[string]string),
	}
	for _, order := range seed {
		repo.revision++
		order.Version = revisionTime(repo.revision)
		repo.orders[order.ID] = order
		if order.OrderNumber != "" {
			repo.numbers[order.OrderNumber] = order.ID
		}
	}
	return repo
}

func revisionTime(rev int64) time.Time {
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(rev) * time.Millisecond)
}

func (m *memoryOrders) Insert(_ context.Context, order domain.Order) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if m.insertHook != nil {
		if handled, err := m.insertHook(order); handled {
			return domain.Order{}, err
		}
	}
	if _, taken := m.numbers[order.OrderNumber]; taken {
		return domain.Order{}, &repositories.OrderError{Op: "insert", Code: repositories.OrderErrorNumberTaken}
	}
	if _, exists := m.orders[order.ID]; exists {
		return domain.Order{}, &repositories.OrderError{Op: "insert", Code: repositories.OrderErrorDuplicateID}
	}
	m.revision++
	order.Version = revisionTime(m.revision)
	m.orders[order.ID] = order
	m.numbers[order.OrderNumber] = order.ID
	return order, nil
}

func (m *memoryOrders) Update(_ context.Context, order domain.Order) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.updateHook != nil {
		if handled, err := m.updateHook(order); handled {
			return domain.Order{}, err
		}
	}
	stored, ok := m.orders[order.ID]
	if !ok {
		return domain.Order{}, &repositoryErrorStub{notFound: true}
	}
	if !stored.Version.Equal(order.Version) {
		return domain.Order{}, &repositoryErrorStub{conflict: true}
	}
	m.revision++
	order.Version = revisionTime(m.revision)
	m.orders[order.ID] = order
	return order, nil
}

func (m *memoryOrders) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, &repositoryErrorStub{notFound: true}
	}
	return order, nil
}

func (m *memoryOrders) FindByTrackingCode(_ context.Context, code string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.TrackingCode == code {
			return order, nil
		}
	}
	return domain.Order{}, &repositoryErrorStub{notFound: true}
}

func (m *memoryOrders) ListByUser(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var page domain.CursorPage[domain.Order]
	for _, order := range m.orders {
		if order.UserID == filter.UserID {
			page.Items = append(page.Items, order)
		}
	}
	return page, nil
}

func (m *memoryOrders) get(id string) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

// put replaces the stored order out of band, simulating a concurrent writer.
func (m *memoryOrders) put(order domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revision++
	order.Version = revisionTime(m.revision)
	m.orders[order.ID] = order
}

type stockCall struct {
	ProductID string
	Quantity  int
}

type stubStock struct {
	mu       sync.Mutex
	creditFn func(context.Context, string, int) error
	credits  []stockCall
	debits   []stockCall
}

func (s *stubStock) Debit(_ context.Context, productID string, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debits = append(s.debits, stockCall{ProductID: productID, Quantity: quantity})
	return nil
}

func (s *stubStock) Credit(ctx context.Context, productID string, quantity int) error {
	if s.creditFn != nil {
		if err := s.creditFn(ctx, productID, quantity); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits = append(s.credits, stockCall{ProductID: productID, Quantity: quantity})
	return nil
}

func (s *stubStock) creditCalls() []stockCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stockCall(nil), s.credits...)
}

type stubCatalog struct {
	products map[string]domain.ProductSnapshot
	err      error
}

func (s *stubCatalog) LookupProducts(_ context.Context, ids []string) (map[string]domain.ProductSnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	found := make(map[string]domain.ProductSnapshot, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			found[id] = product
		}
	}
	return found, nil
}

type stubPromotions struct {
	promotions map[string]domain.Promotion
	err        error
	lookups    []string
}

func (s *stubPromotions) FindByCode(_ context.Context, code string) (domain.Promotion, error) {
	s.lookups = append(s.lookups, code)
	if s.err != nil {
		return domain.Promotion{}, s.err
	}
	promo, ok := s.promotions[code]
	if !ok {
		return domain.Promotion{}, &repositoryErrorStub{notFound: true}
	}
	return promo, nil
}

type captureNotifier struct {
	mu            sync.Mutex
	notifications []OrderNotification
	err           error
}

func (c *captureNotifier) PublishOrderNotification(_ context.Context, notification OrderNotification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, notification)
	return c.err
}

func (c *captureNotifier) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.notifications))
	for _, n := range c.notifications {
		out = append(out, n.Type)
	}
	return out
}

func (c *captureNotifier) count(kind string) int {
	n := 0
	for _, t := range c.types() {
		if t == kind {
			n++
		}
	}
	return n
}

type stubPaymentStarter struct {
	startFn func(context.Context, payments.StartRequest) (payments.StartResult, error)
	calls   []payments.StartRequest
}

func (s *stubPaymentStarter) Start(ctx context.Context, req payments.StartRequest) (payments.StartResult, error) {
	s.calls = append(s.calls, req)
	if s.startFn != nil {
		return s.startFn(ctx, req)
	}
	return payments.StartResult{Authority: "A000000000000000000000000000001", PaymentURL: "https://gateway.test/pg/StartPay/A000000000000000000000000000001"}, nil
}

type memoryPaymentEvents struct {
	mu      sync.Mutex
	events  map[string]domain.PaymentEvent
	err     error
	listErr error
}

func newMemoryPaymentEvents() *memoryPaymentEvents {
	return &memoryPaymentEvents{events: make(map[string]domain.PaymentEvent)}
}

func (m *memoryPaymentEvents) Record(_ context.Context, event domain.PaymentEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.events[event.ID]; ok {
		return false, nil
	}
	m.events[event.ID] = event
	return true, nil
}

func (m *memoryPaymentEvents) ListByOrder(_ context.Context, orderID string) ([]domain.PaymentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.PaymentEvent
	for _, event := range m.events {
		if event.OrderID == orderID {
			out = append(out, event)
		}
	}
	return out, nil
}

func (m *memoryPaymentEvents) kinds(orderID string) []domain.PaymentEventKind {
	events, _ := m.ListByOrder(context.Background(), orderID)
	out := make([]domain.PaymentEventKind, 0, len(events))
	for _, event := range events {
		out = append(out, event.Kind)
	}
	return out
}

type logEntry struct {
	Event  string
	Fields map[string]any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (c *captureLogger) log(_ context.Context, event string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, logEntry{Event: event, Fields: fields})
}

func (c *captureLogger) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.Event == event {
			return true
		}
	}
	return false
}

var errBoom = errors.New("boom")
