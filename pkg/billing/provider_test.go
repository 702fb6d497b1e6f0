package billing

import (
	"context"
	"sync"
	"sync/atomic"
)

// stubProvider counts calls and returns canned results.
type stubProvider struct {
	mu            sync.Mutex
	products      []Product
	customers     map[string]*Customer
	err           error
	productCalls  atomic.Int32
	customerCalls atomic.Int32
	block         chan struct{}
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) ListProducts(context.Context) ([]Product, error) {
	s.productCalls.Add(1)
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]Product(nil), s.products...), nil
}

func (s *stubProvider) CreateCheckout(context.Context, CheckoutRequest) (*CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &CheckoutSession{ID: "chk_1", URL: "https://checkout.example/chk_1"}, nil
}

func (s *stubProvider) FindCustomerByEmail(_ context.Context, email string) (*Customer, error) {
	s.customerCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.customers[email]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return c, nil
}

func (s *stubProvider) CreatePortalSession(context.Context, PortalRequest) (*PortalSession, error) {
	return &PortalSession{URL: "https://portal.example"}, nil
}

func (s *stubProvider) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
