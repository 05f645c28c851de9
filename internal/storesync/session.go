package storesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/storesync/internal/catalog"
	"github.com/agentworkforce/storesync/internal/sessionstate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	KeyProducts       = "products"
	KeyWarehouses     = "warehouses"
	KeyOrders         = "orders"
	KeyCustomerOrders = "customer-orders"

	// KeyStats is the observer key announced when the order stats change.
	KeyStats = "stats"

	TopicOrderCreated = "order-created"
)

// Backend is everything a session needs from the store's REST services.
type Backend interface {
	PageFetcher
	MutationBackend
	CreateWarehouse(ctx context.Context, warehouse catalog.Warehouse) (catalog.Warehouse, error)
	CurrentStock(ctx context.Context, warehouseID, productID string) (int, error)
	OrderStats(ctx context.Context) (catalog.OrderStats, error)
}

// Result is what the rendering layer receives from a session operation.
type Result struct {
	OK  bool
	Err error
}

func resultOf(err error) Result {
	return Result{OK: err == nil, Err: err}
}

type SessionOptions struct {
	Backend Backend
	// Dial opens the push channel. Without it the session never receives
	// invalidations, but synthetic triggers still work through Trigger.
	Dial           ChannelDialer
	Store          sessionstate.Backend
	PageSize       int
	Timeout        time.Duration
	ReconnectDelay time.Duration
	Logger         zerolog.Logger
	OnStateChange  func(DispatcherState)
}

// Session wires the cache, gate, dispatcher and coordinator into one store
// object. Every write to the cache goes through the gate or the
// coordinator; readers take snapshots and subscribe for changes.
type Session struct {
	id          string
	cache       *Cache
	gate        *FetchGate
	dispatcher  *Dispatcher
	coordinator *Coordinator
	backend     Backend
	store       sessionstate.Backend
	timeout     time.Duration
	logger      zerolog.Logger

	mu    sync.RWMutex
	stats catalog.OrderStats

	closeOnce sync.Once
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	cache := NewCache()
	gate, err := NewFetchGate(cache, opts.Backend, GateOptions{Timeout: timeout, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	collections := []struct {
		key      string
		resource catalog.Resource
	}{
		{KeyProducts, catalog.Products},
		{KeyWarehouses, catalog.Warehouses},
		{KeyOrders, catalog.Orders},
		{KeyCustomerOrders, catalog.CustomerOrders},
	}
	for _, c := range collections {
		if err := gate.Register(c.key, CollectionSpec{Resource: c.resource, PageSize: opts.PageSize}); err != nil {
			return nil, err
		}
	}

	s := &Session{
		id:      uuid.NewString(),
		cache:   cache,
		gate:    gate,
		backend: opts.Backend,
		store:   opts.Store,
		timeout: timeout,
		logger:  opts.Logger,
	}
	s.coordinator, err = NewCoordinator(cache, opts.Backend, CoordinatorOptions{
		CatalogKey:   KeyProducts,
		StockKeys:    []string{KeyProducts},
		OrderKeys:    []string{KeyOrders, KeyCustomerOrders},
		Timeout:      timeout,
		Logger:       opts.Logger,
		OnCartChange: s.persistCart,
	})
	if err != nil {
		return nil, err
	}

	s.dispatcher, err = NewDispatcher(opts.Dial, gate, DispatcherOptions{
		ReconnectDelay: opts.ReconnectDelay,
		Logger:         opts.Logger,
		OnStateChange:  opts.OnStateChange,
	})
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.Handle(TopicOrderCreated, s.refreshOrders); err != nil {
		return nil, err
	}
	return s, nil
}

// Start restores the persisted cart and activates the push channel.
func (s *Session) Start(ctx context.Context) error {
	if err := s.restoreCart(); err != nil {
		s.logger.Warn().Err(err).Msg("restoring cart failed; starting empty")
	}
	return s.dispatcher.Start(ctx)
}

// Close stops the push channel and releases the session store. The
// persisted cart is kept for the next start.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.dispatcher.Stop()
		if s.store != nil {
			err = sessionstate.Close(s.store)
		}
	})
	return err
}

// End finishes the session: the cart is cleared, locally and in the store,
// before the session is closed.
func (s *Session) End() error {
	s.coordinator.ClearCart()
	return s.Close()
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Snapshot(key string) Snapshot {
	return s.cache.Snapshot(key)
}

func (s *Session) Subscribe(fn func(key string)) func() {
	return s.cache.Subscribe(fn)
}

func (s *Session) DispatcherState() DispatcherState {
	return s.dispatcher.State()
}

func (s *Session) Stats() catalog.OrderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return catalog.OrderStats{DailyStats: append([]catalog.DailyStat(nil), s.stats.DailyStats...)}
}

func (s *Session) CartLines() []CartLine {
	return s.coordinator.CartLines()
}

func (s *Session) Coordinator() *Coordinator {
	return s.coordinator
}

func (s *Session) RequestNextPage(ctx context.Context, key string) (result Result) {
	defer recoverResult("request next page", &result)
	out := s.gate.RequestNextPage(ctx, key)
	return resultOf(out.Err)
}

// Trigger injects a synthetic invalidation for topic, as if it had arrived
// on the push channel.
func (s *Session) Trigger(ctx context.Context, topic string) Result {
	if !s.dispatcher.Enqueue(ctx, topic) {
		return resultOf(newSyncError("trigger", topic, ErrInvalidInput, errors.New("dispatcher not accepting events")))
	}
	return resultOf(nil)
}

func (s *Session) AddToCart(product catalog.Product, quantityDelta int) (result Result) {
	defer recoverResult("add to cart", &result)
	_, err := s.coordinator.AddOrUpdateCartLine(product, quantityDelta)
	return resultOf(err)
}

func (s *Session) RemoveFromCart(productID string) Result {
	if !s.coordinator.RemoveCartLine(productID) {
		return resultOf(newSyncError("cart", productID, ErrNotFound, nil))
	}
	return resultOf(nil)
}

func (s *Session) Checkout(ctx context.Context, address catalog.Address) (order catalog.Order, result Result) {
	defer recoverResult("checkout", &result)
	order, err := s.coordinator.Checkout(ctx, address)
	return order, resultOf(err)
}

func (s *Session) ApplyStock(ctx context.Context, productID, warehouseID string, delta int) (result Result) {
	defer recoverResult("apply stock", &result)
	return resultOf(s.coordinator.ApplyStockAdjustment(ctx, productID, warehouseID, delta))
}

func (s *Session) MarkPaid(ctx context.Context, orderID string) (result Result) {
	defer recoverResult("mark paid", &result)
	return resultOf(s.coordinator.MarkOrderPaid(ctx, orderID))
}

// CreateWarehouse creates the warehouse and, once confirmed, appends it to
// the warehouses collection.
func (s *Session) CreateWarehouse(ctx context.Context, warehouse catalog.Warehouse) (created catalog.Warehouse, result Result) {
	defer recoverResult("create warehouse", &result)
	created, err := fetchWithTimeout(ctx, s.timeout, func(ctx context.Context) (catalog.Warehouse, error) {
		return s.backend.CreateWarehouse(ctx, warehouse)
	})
	if err != nil {
		return catalog.Warehouse{}, resultOf(classifyMutation("create warehouse", KeyWarehouses, ErrInvalidInput, err))
	}
	s.cache.AppendLocal(KeyWarehouses, created)
	return created, resultOf(nil)
}

func (s *Session) CurrentStock(ctx context.Context, warehouseID, productID string) (quantity int, result Result) {
	defer recoverResult("current stock", &result)
	quantity, err := fetchWithTimeout(ctx, s.timeout, func(ctx context.Context) (int, error) {
		return s.backend.CurrentStock(ctx, warehouseID, productID)
	})
	if err != nil {
		return 0, resultOf(classifyTransport("current stock", productID, err))
	}
	return quantity, resultOf(nil)
}

// refreshOrders is the order-created action: reload the stats and merge the
// newest page of every order collection without resetting it.
func (s *Session) refreshOrders(ctx context.Context) error {
	var errs []error
	if err := s.loadStats(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, key := range []string{KeyOrders, KeyCustomerOrders} {
		if out := s.gate.RefreshLatest(ctx, key); out.Err != nil {
			errs = append(errs, out.Err)
		}
	}
	return errors.Join(errs...)
}

// RefreshStats reloads the order stats outside of any push notification,
// as the dashboard does when it first opens.
func (s *Session) RefreshStats(ctx context.Context) (result Result) {
	defer recoverResult("refresh stats", &result)
	return resultOf(s.loadStats(ctx))
}

func (s *Session) loadStats(ctx context.Context) error {
	stats, err := fetchWithTimeout(ctx, s.timeout, s.backend.OrderStats)
	if err != nil {
		return classifyTransport("refresh", KeyStats, err)
	}
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
	s.cache.notify(KeyStats)
	return nil
}

func (s *Session) restoreCart() error {
	if s.store == nil {
		return nil
	}
	snapshot, err := s.store.Load()
	if err != nil || snapshot == nil {
		return err
	}
	lines := make([]CartLine, 0, len(snapshot.Cart))
	for _, item := range snapshot.Cart {
		lines = append(lines, CartLine{
			ProductID:    item.ProductID,
			Name:         item.Name,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			StockCeiling: item.StockCeiling,
		})
	}
	kept := s.coordinator.RestoreCart(lines)
	s.logger.Info().Int("lines", kept).Str("previous_session", snapshot.SessionID).Msg("cart restored")
	return nil
}

func (s *Session) persistCart(lines []CartLine) {
	if s.store == nil {
		return
	}
	var err error
	if len(lines) == 0 {
		err = s.store.Clear()
	} else {
		items := make([]sessionstate.CartItem, 0, len(lines))
		for _, line := range lines {
			items = append(items, sessionstate.CartItem{
				ProductID:    line.ProductID,
				Name:         line.Name,
				Quantity:     line.Quantity,
				UnitPrice:    line.UnitPrice,
				StockCeiling: line.StockCeiling,
			})
		}
		err = s.store.Save(&sessionstate.Snapshot{
			SessionID: s.id,
			Cart:      items,
			UpdatedAt: time.Now().UTC(),
		})
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("persisting cart failed")
	}
}

func recoverResult(op string, result *Result) {
	if r := recover(); r != nil {
		*result = Result{Err: fmt.Errorf("%s: unexpected failure: %v", op, r)}
	}
}
