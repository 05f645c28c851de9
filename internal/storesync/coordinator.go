package storesync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/storesync/internal/catalog"
	"github.com/agentworkforce/storesync/internal/storeapi"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CartLine is one product in the session cart. Quantity always stays within
// [1, StockCeiling].
type CartLine struct {
	ProductID    string          `json:"productId"`
	Name         string          `json:"name"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	StockCeiling int             `json:"stockCeiling"`
}

func (l CartLine) SubTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (l CartLine) valid() bool {
	return l.ProductID != "" && l.Quantity >= 1 && l.Quantity <= l.StockCeiling
}

// MutationBackend confirms the mutations the coordinator applies locally.
type MutationBackend interface {
	ApplyStock(ctx context.Context, change catalog.StockChange) error
	PlaceOrder(ctx context.Context, req catalog.OrderRequest) (catalog.Order, error)
	PayOrder(ctx context.Context, orderID string) error
}

type CoordinatorOptions struct {
	// CatalogKey is the collection cart ceilings are read from.
	CatalogKey string
	// StockKeys are the collections whose product stock is patched by
	// adjustments. The first one holding the product provides the baseline.
	StockKeys []string
	// OrderKeys are the collections patched when an order is paid.
	OrderKeys    []string
	Timeout      time.Duration
	Logger       zerolog.Logger
	OnCartChange func(lines []CartLine)
}

// Coordinator applies optimistic local mutations and confirms them with the
// backend. Cart edits are local only. Stock adjustments and order payments
// are patched into the cache first and restored exactly when the backend
// does not confirm them.
type Coordinator struct {
	cache        *Cache
	backend      MutationBackend
	catalogKey   string
	stockKeys    []string
	orderKeys    []string
	timeout      time.Duration
	logger       zerolog.Logger
	tracer       trace.Tracer
	onCartChange func([]CartLine)

	cartMu sync.Mutex
	lines  []CartLine

	// mutationMu serializes confirmed mutations so that a rollback never
	// overwrites another mutation's patch.
	mutationMu sync.Mutex
}

func NewCoordinator(cache *Cache, backend MutationBackend, opts CoordinatorOptions) (*Coordinator, error) {
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if backend == nil {
		return nil, errors.New("mutation backend is required")
	}
	catalogKey := strings.TrimSpace(opts.CatalogKey)
	if catalogKey == "" {
		catalogKey = catalog.Products.Name
	}
	stockKeys := opts.StockKeys
	if len(stockKeys) == 0 {
		stockKeys = []string{catalogKey}
	}
	orderKeys := opts.OrderKeys
	if len(orderKeys) == 0 {
		orderKeys = []string{catalog.Orders.Name}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Coordinator{
		cache:        cache,
		backend:      backend,
		catalogKey:   catalogKey,
		stockKeys:    append([]string(nil), stockKeys...),
		orderKeys:    append([]string(nil), orderKeys...),
		timeout:      timeout,
		logger:       opts.Logger,
		tracer:       otel.Tracer(tracerName),
		onCartChange: opts.OnCartChange,
	}, nil
}

// AddOrUpdateCartLine adds quantityDelta to the product's cart line, creating
// the line when absent. The ceiling is the product's stock as currently
// cached in the catalog collection, or product.TotalStock when the product is
// not cached. A result outside [1, ceiling] leaves the cart unchanged and
// returns ErrInvalidQuantity.
func (c *Coordinator) AddOrUpdateCartLine(product catalog.Product, quantityDelta int) (CartLine, error) {
	if product.ProductID == "" {
		return CartLine{}, newSyncError("cart", "", ErrInvalidInput, nil)
	}
	if cached, ok := c.cache.Get(c.catalogKey, product.ProductID); ok {
		if p, ok := cached.(catalog.Product); ok {
			product = p
		}
	}

	c.cartMu.Lock()
	pos := c.lineIndexLocked(product.ProductID)
	line := CartLine{ProductID: product.ProductID}
	if pos >= 0 {
		line = c.lines[pos]
	}
	line.Name = product.Name
	line.UnitPrice = product.Price
	line.StockCeiling = product.TotalStock
	line.Quantity += quantityDelta
	if !line.valid() {
		c.cartMu.Unlock()
		return CartLine{}, newSyncError("cart", product.ProductID, ErrInvalidQuantity, nil)
	}
	if pos >= 0 {
		c.lines[pos] = line
	} else {
		c.lines = append(c.lines, line)
	}
	lines := c.copyLinesLocked()
	c.cartMu.Unlock()

	c.cartChanged(lines)
	return line, nil
}

func (c *Coordinator) RemoveCartLine(productID string) bool {
	c.cartMu.Lock()
	pos := c.lineIndexLocked(productID)
	if pos < 0 {
		c.cartMu.Unlock()
		return false
	}
	c.lines = append(c.lines[:pos], c.lines[pos+1:]...)
	lines := c.copyLinesLocked()
	c.cartMu.Unlock()

	c.cartChanged(lines)
	return true
}

func (c *Coordinator) CartLines() []CartLine {
	c.cartMu.Lock()
	defer c.cartMu.Unlock()
	return c.copyLinesLocked()
}

func (c *Coordinator) CartTotal() decimal.Decimal {
	c.cartMu.Lock()
	defer c.cartMu.Unlock()
	total := decimal.Zero
	for _, line := range c.lines {
		total = total.Add(line.SubTotal())
	}
	return total
}

// RestoreCart replaces the cart with previously persisted lines. Lines that
// break the quantity invariant are dropped. It returns the number kept.
func (c *Coordinator) RestoreCart(lines []CartLine) int {
	kept := make([]CartLine, 0, len(lines))
	seen := map[string]bool{}
	for _, line := range lines {
		if !line.valid() || seen[line.ProductID] {
			continue
		}
		seen[line.ProductID] = true
		kept = append(kept, line)
	}
	c.cartMu.Lock()
	c.lines = kept
	c.cartMu.Unlock()
	return len(kept)
}

// ClearCart empties the cart, as on session end.
func (c *Coordinator) ClearCart() {
	c.cartMu.Lock()
	c.lines = nil
	c.cartMu.Unlock()
	c.cartChanged(nil)
}

// Checkout places an order for the current cart. Once the backend confirms
// it, the ordered quantities are taken out of the cart; lines added or
// raised while the order was in flight stay.
func (c *Coordinator) Checkout(ctx context.Context, address catalog.Address) (catalog.Order, error) {
	c.mutationMu.Lock()
	defer c.mutationMu.Unlock()

	c.cartMu.Lock()
	lines := c.copyLinesLocked()
	c.cartMu.Unlock()
	if len(lines) == 0 {
		return catalog.Order{}, newSyncError("checkout", "", ErrInvalidInput, errors.New("cart is empty"))
	}

	req := catalog.OrderRequest{Address: address, Price: decimal.Zero}
	for _, line := range lines {
		sub := line.SubTotal()
		req.Items = append(req.Items, catalog.OrderItem{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Price:     line.UnitPrice,
			SubTotal:  sub,
		})
		req.Price = req.Price.Add(sub)
	}

	ctx, span := c.tracer.Start(ctx, "storesync.checkout", trace.WithAttributes(
		attribute.Int("lines", len(lines)),
		attribute.String("price", req.Price.String()),
	))
	defer span.End()

	order, err := fetchWithTimeout(ctx, c.timeout, func(ctx context.Context) (catalog.Order, error) {
		return c.backend.PlaceOrder(ctx, req)
	})
	if err != nil {
		syncErr := classifyMutation("checkout", "", ErrOrderRejected, err)
		span.RecordError(syncErr)
		c.logger.Warn().Err(err).Msg("checkout failed")
		return catalog.Order{}, syncErr
	}

	c.cartMu.Lock()
	c.removeOrderedLocked(lines)
	remaining := c.copyLinesLocked()
	c.cartMu.Unlock()
	c.cartChanged(remaining)
	c.logger.Info().Str("order_id", order.OrderID).Str("price", req.Price.String()).Msg("order placed")
	return order, nil
}

// ApplyStockAdjustment changes a product's stock by delta in the given
// warehouse. The cached stock is the baseline: a result below zero fails with
// ErrInsufficientStock before anything is sent. Otherwise the cache is
// patched, the change is sent, and on any failure every patched collection
// is restored to the exact entity it held before.
func (c *Coordinator) ApplyStockAdjustment(ctx context.Context, productID, warehouseID string, delta int) error {
	if productID == "" || warehouseID == "" || delta == 0 {
		return newSyncError("adjust", productID, ErrInvalidInput, nil)
	}

	c.mutationMu.Lock()
	defer c.mutationMu.Unlock()

	baseline, ok := c.cachedStock(productID)
	if !ok {
		return newSyncError("adjust", productID, ErrNotFound, nil)
	}
	if baseline+delta < 0 {
		return newSyncError("adjust", productID, ErrInsufficientStock, nil)
	}

	ctx, span := c.tracer.Start(ctx, "storesync.adjust_stock", trace.WithAttributes(
		attribute.String("product", productID),
		attribute.String("warehouse", warehouseID),
		attribute.Int("delta", delta),
		attribute.Int("baseline", baseline),
	))
	defer span.End()

	restore := c.patchAll(c.stockKeys, productID, func(entity catalog.Entity) catalog.Entity {
		product, ok := entity.(catalog.Product)
		if !ok {
			return nil
		}
		product.TotalStock += delta
		return product
	})

	_, err := fetchWithTimeout(ctx, c.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.backend.ApplyStock(ctx, catalog.StockChange{
			ProductID:   productID,
			WarehouseID: warehouseID,
			Quantity:    delta,
		})
	})
	if err != nil {
		restore()
		syncErr := classifyMutation("adjust", productID, ErrAdjustmentRejected, err)
		span.RecordError(syncErr)
		c.logger.Warn().Err(err).
			Str("product", productID).
			Str("warehouse", warehouseID).
			Int("delta", delta).
			Msg("stock adjustment rolled back")
		return syncErr
	}
	c.logger.Debug().Str("product", productID).Int("stock", baseline+delta).Msg("stock adjustment confirmed")
	return nil
}

// MarkOrderPaid sets the order to PAID in every order collection holding it,
// asks the backend to pay it, and restores the previous status on failure.
func (c *Coordinator) MarkOrderPaid(ctx context.Context, orderID string) error {
	if orderID == "" {
		return newSyncError("pay", "", ErrInvalidInput, nil)
	}

	c.mutationMu.Lock()
	defer c.mutationMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "storesync.pay_order", trace.WithAttributes(
		attribute.String("order", orderID),
	))
	defer span.End()

	restore := c.patchAll(c.orderKeys, orderID, func(entity catalog.Entity) catalog.Entity {
		order, ok := entity.(catalog.Order)
		if !ok {
			return nil
		}
		order.OrderStatus = catalog.OrderStatusPaid
		return order
	})

	_, err := fetchWithTimeout(ctx, c.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.backend.PayOrder(ctx, orderID)
	})
	if err != nil {
		restore()
		syncErr := classifyMutation("pay", orderID, ErrOrderRejected, err)
		span.RecordError(syncErr)
		c.logger.Warn().Err(err).Str("order", orderID).Msg("order payment rolled back")
		return syncErr
	}
	return nil
}

func (c *Coordinator) cachedStock(productID string) (int, bool) {
	for _, key := range c.stockKeys {
		entity, ok := c.cache.Get(key, productID)
		if !ok {
			continue
		}
		if product, ok := entity.(catalog.Product); ok {
			return product.TotalStock, true
		}
	}
	return 0, false
}

// patchAll applies patcher to id in each key and returns a func that puts
// the prior entities back. A key reset or refetched since the patch holds a
// newer generation and is left alone by the restore.
func (c *Coordinator) patchAll(keys []string, id string, patcher func(catalog.Entity) catalog.Entity) func() {
	type prior struct {
		key        string
		generation uint64
		entity     catalog.Entity
	}
	var priors []prior
	for _, key := range keys {
		before, generation, ok := c.cache.GetAt(key, id)
		if !ok {
			continue
		}
		if c.cache.ApplyLocalPatchAt(key, generation, id, patcher) {
			priors = append(priors, prior{key: key, generation: generation, entity: before})
		}
	}
	return func() {
		for _, p := range priors {
			entity := p.entity
			if !c.cache.ApplyLocalPatchAt(p.key, p.generation, id, func(catalog.Entity) catalog.Entity { return entity }) {
				c.logger.Debug().Str("collection", p.key).Str("id", id).Msg("skipping rollback of a collection reset since the patch")
			}
		}
	}
}

func (c *Coordinator) lineIndexLocked(productID string) int {
	for i, line := range c.lines {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}

// removeOrderedLocked subtracts the ordered quantities from the cart. A line
// left with less than one unit is removed.
func (c *Coordinator) removeOrderedLocked(ordered []CartLine) {
	for _, sent := range ordered {
		pos := c.lineIndexLocked(sent.ProductID)
		if pos < 0 {
			continue
		}
		c.lines[pos].Quantity -= sent.Quantity
		if c.lines[pos].Quantity < 1 {
			c.lines = append(c.lines[:pos], c.lines[pos+1:]...)
		}
	}
}

func (c *Coordinator) copyLinesLocked() []CartLine {
	return append([]CartLine(nil), c.lines...)
}

func (c *Coordinator) cartChanged(lines []CartLine) {
	if c.onCartChange != nil {
		c.onCartChange(lines)
	}
}

// classifyMutation maps a confirmation failure: a backend rejection becomes
// rejected, anything else is a transport failure or timeout.
func classifyMutation(op, key string, rejected, err error) *SyncError {
	if errors.Is(err, storeapi.ErrRejected) {
		return newSyncError(op, key, rejected, err)
	}
	return classifyTransport(op, key, err)
}
