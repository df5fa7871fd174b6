package services

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// faults queues errors to return from the next calls, for exercising retries.
type faults struct {
	pending []error
}

func (f *faults) next() error {
	if len(f.pending) == 0 {
		return nil
	}
	err := f.pending[0]
	f.pending = f.pending[1:]
	return err
}

// NewInMemoryOrderService constructs an in-memory order service.
func NewInMemoryOrderService() *InMemoryOrderService {
	return &InMemoryOrderService{
		orders:   make(map[string][]string),
		canceled: make(map[string]int),
	}
}

// InMemoryOrderService tracks created and canceled orders in memory.
type InMemoryOrderService struct {
	mu       sync.Mutex
	orders   map[string][]string
	canceled map[string]int
	creates  int
	faults   faults
}

func (s *InMemoryOrderService) CreateOrder(ctx context.Context, skus []string, customerID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults.next(); err != nil {
		return "", err
	}
	s.creates++
	id := "ord_" + uuid.NewString()
	s.orders[id] = slices.Clone(skus)
	return id, nil
}

func (s *InMemoryOrderService) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled[orderID]++
	return nil
}

// FailNext makes the next CreateOrder call return err.
func (s *InMemoryOrderService) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.pending = append(s.faults.pending, err)
}

// CreateCalls returns how many orders were created (for testing/inspection).
func (s *InMemoryOrderService) CreateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// CancelCalls returns how many times orderID was canceled (for testing/inspection).
func (s *InMemoryOrderService) CancelCalls(orderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled[orderID]
}

// TotalCancels returns the number of cancel calls across all orders.
func (s *InMemoryOrderService) TotalCancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.canceled {
		total += n
	}
	return total
}

// NewInMemorySkuService constructs an inventory where every SKU starts with defaultStock units.
func NewInMemorySkuService(defaultStock int) *InMemorySkuService {
	return &InMemorySkuService{
		defaultStock: defaultStock,
		stock:        make(map[string]int),
	}
}

// InMemorySkuService reserves one unit per call and records the call order.
type InMemorySkuService struct {
	mu           sync.Mutex
	defaultStock int
	stock        map[string]int
	calls        []string
	faults       faults
}

// SetStock overrides the available units for sku.
func (s *InMemorySkuService) SetStock(sku string, units int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[sku] = units
}

func (s *InMemorySkuService) UpdateInventory(ctx context.Context, sku, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sku)
	if err := s.faults.next(); err != nil {
		return err
	}
	units, ok := s.stock[sku]
	if !ok {
		units = s.defaultStock
	}
	if units <= 0 {
		return fmt.Errorf("reserve %s for %s: %w", sku, orderID, ErrOutOfInventory)
	}
	s.stock[sku] = units - 1
	return nil
}

// FailNext makes the next UpdateInventory call return err.
func (s *InMemorySkuService) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.pending = append(s.faults.pending, err)
}

// Calls returns the SKUs passed to UpdateInventory, in call order.
func (s *InMemorySkuService) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// NewInMemoryPaymentService constructs an in-memory payment service.
func NewInMemoryPaymentService() *InMemoryPaymentService {
	return &InMemoryPaymentService{
		charges:  make(map[string][]string),
		declined: make(map[string]bool),
	}
}

// InMemoryPaymentService records captured payments per order.
type InMemoryPaymentService struct {
	mu       sync.Mutex
	charges  map[string][]string
	declined map[string]bool
	faults   faults
}

// Decline makes every payment with paymentMethodID fail with ErrPaymentDeclined.
func (s *InMemoryPaymentService) Decline(paymentMethodID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declined[paymentMethodID] = true
}

func (s *InMemoryPaymentService) ProcessPayment(ctx context.Context, orderID, paymentMethodID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults.next(); err != nil {
		return "", err
	}
	if s.declined[paymentMethodID] {
		return "", fmt.Errorf("charge %s with %s: %w", orderID, paymentMethodID, ErrPaymentDeclined)
	}
	id := "pay_" + uuid.NewString()
	s.charges[orderID] = append(s.charges[orderID], id)
	return id, nil
}

// FailNext makes the next ProcessPayment call return err.
func (s *InMemoryPaymentService) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.pending = append(s.faults.pending, err)
}

// ChargeCount returns how many times orderID was charged (for testing/inspection).
func (s *InMemoryPaymentService) ChargeCount(orderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.charges[orderID])
}

// NewInMemoryCustomerService constructs a customer directory. Unknown customers resolve to a
// placeholder address so local runs need no seeding.
func NewInMemoryCustomerService() *InMemoryCustomerService {
	return &InMemoryCustomerService{customers: make(map[int64]Customer)}
}

// InMemoryCustomerService serves customers from memory.
type InMemoryCustomerService struct {
	mu        sync.Mutex
	customers map[int64]Customer
	lookups   int
}

// Put stores or replaces a customer.
func (s *InMemoryCustomerService) Put(c Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

func (s *InMemoryCustomerService) GetCustomer(ctx context.Context, customerID int64) (Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if c, ok := s.customers[customerID]; ok {
		return c, nil
	}
	return Customer{ID: customerID, Email: fmt.Sprintf("customer-%d@example.com", customerID)}, nil
}

// Lookups returns how many times GetCustomer was called.
func (s *InMemoryCustomerService) Lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

// SentMessage is one confirmation recorded by InMemoryMessageService.
type SentMessage struct {
	MessageID string
	Email     string
	OrderID   string
}

// NewInMemoryMessageService constructs an in-memory message service.
func NewInMemoryMessageService() *InMemoryMessageService {
	return &InMemoryMessageService{}
}

// InMemoryMessageService records every confirmation it sends.
type InMemoryMessageService struct {
	mu     sync.Mutex
	sent   []SentMessage
	faults faults
}

func (s *InMemoryMessageService) SendOrderConfirmation(ctx context.Context, email, orderID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults.next(); err != nil {
		return "", err
	}
	msg := SentMessage{MessageID: "msg_" + uuid.NewString(), Email: email, OrderID: orderID}
	s.sent = append(s.sent, msg)
	return msg.MessageID, nil
}

// FailNext makes the next SendOrderConfirmation call return err.
func (s *InMemoryMessageService) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.pending = append(s.faults.pending, err)
}

// Sent returns the confirmations sent so far.
func (s *InMemoryMessageService) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

// NewInMemory wires the in-memory implementation of every capability.
func NewInMemory() Services {
	return Services{
		Orders:    NewInMemoryOrderService(),
		Skus:      NewInMemorySkuService(100),
		Payments:  NewInMemoryPaymentService(),
		Customers: NewInMemoryCustomerService(),
		Messages:  NewInMemoryMessageService(),
	}
}
