package storesync

import (
	"context"
	"errors"
	"sync"

	"github.com/agentworkforce/storesync/internal/catalog"
	"github.com/shopspring/decimal"
)

func product(id string, stock int) catalog.Product {
	return catalog.Product{
		ProductID:  id,
		Name:       "product " + id,
		Price:      decimal.RequireFromString("12.50"),
		TotalStock: stock,
	}
}

func products(ids ...string) []catalog.Entity {
	items := make([]catalog.Entity, 0, len(ids))
	for _, id := range ids {
		items = append(items, product(id, 5))
	}
	return items
}

func order(id string, status catalog.OrderStatus) catalog.Order {
	return catalog.Order{OrderID: id, TotalAmount: decimal.NewFromInt(40), OrderStatus: status}
}

func ids(items []catalog.Entity) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.EntityID())
	}
	return out
}

// fakeBackend serves fixed pages per resource and records every mutation.
type fakeBackend struct {
	mu        sync.Mutex
	pages     map[string][]catalog.Page
	listErr   error
	listCalls map[string]int

	// started receives the resource name of every ListPage call when set.
	started chan string
	// release, when set, blocks ListPage until closed. ListPage ignores ctx
	// while blocked when ignoreCtx is set.
	release   chan struct{}
	ignoreCtx bool

	applyErr  error
	applied   []catalog.StockChange
	applyHang chan struct{}
	placeErr  error
	placeHang chan struct{}
	placed    []catalog.OrderRequest
	payErr    error
	paid      []string
	stats     catalog.OrderStats
	statsErr  error
	created   []catalog.Warehouse
	stock     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		pages:     map[string][]catalog.Page{},
		listCalls: map[string]int{},
	}
}

// setPages installs the listing for resource; totalPages is len(items).
func (f *fakeBackend) setPages(resource string, items ...[]catalog.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages := make([]catalog.Page, 0, len(items))
	for i, pageItems := range items {
		pages = append(pages, catalog.Page{Items: pageItems, PageIndex: i, TotalPages: len(items)})
	}
	f.pages[resource] = pages
}

func (f *fakeBackend) setListErr(err error) {
	f.mu.Lock()
	f.listErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) calls(resource string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls[resource]
}

func (f *fakeBackend) ListPage(ctx context.Context, resource catalog.Resource, page, size int) (catalog.Page, error) {
	f.mu.Lock()
	f.listCalls[resource.Name]++
	started, release, ignoreCtx := f.started, f.release, f.ignoreCtx
	f.mu.Unlock()

	if started != nil {
		started <- resource.Name
	}
	if release != nil {
		if ignoreCtx {
			<-release
		} else {
			select {
			case <-release:
			case <-ctx.Done():
				return catalog.Page{}, ctx.Err()
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return catalog.Page{}, f.listErr
	}
	pages := f.pages[resource.Name]
	if page < len(pages) {
		return pages[page], nil
	}
	return catalog.Page{PageIndex: page, TotalPages: len(pages)}, nil
}

func (f *fakeBackend) ApplyStock(ctx context.Context, change catalog.StockChange) error {
	f.mu.Lock()
	hang := f.applyHang
	f.applied = append(f.applied, change)
	err := f.applyErr
	f.mu.Unlock()
	if hang != nil {
		<-hang
	}
	return err
}

func (f *fakeBackend) appliedChanges() []catalog.StockChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]catalog.StockChange(nil), f.applied...)
}

func (f *fakeBackend) PlaceOrder(ctx context.Context, req catalog.OrderRequest) (catalog.Order, error) {
	f.mu.Lock()
	f.placed = append(f.placed, req)
	hang, err := f.placeHang, f.placeErr
	f.mu.Unlock()
	if hang != nil {
		<-hang
	}
	if err != nil {
		return catalog.Order{}, err
	}
	return catalog.Order{OrderID: "o-new", TotalAmount: req.Price, OrderStatus: catalog.OrderStatusPending, Items: req.Items}, nil
}

func (f *fakeBackend) placedOrders() []catalog.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]catalog.OrderRequest(nil), f.placed...)
}

func (f *fakeBackend) PayOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid = append(f.paid, orderID)
	return f.payErr
}

func (f *fakeBackend) CreateWarehouse(ctx context.Context, warehouse catalog.Warehouse) (catalog.Warehouse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if warehouse.Name == "" {
		return catalog.Warehouse{}, errors.New("name required")
	}
	warehouse.WarehouseID = "w-created"
	f.created = append(f.created, warehouse)
	return warehouse, nil
}

func (f *fakeBackend) CurrentStock(ctx context.Context, warehouseID, productID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stock, nil
}

func (f *fakeBackend) OrderStats(ctx context.Context) (catalog.OrderStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.statsErr
}

type fakeMessage struct {
	topic string
	body  []byte
	err   error
}

// fakeChannel is a push channel fed by tests through messages.
type fakeChannel struct {
	messages   chan fakeMessage
	subscribed chan []string
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		messages:   make(chan fakeMessage, 16),
		subscribed: make(chan []string, 4),
		closed:     make(chan struct{}),
	}
}

func (c *fakeChannel) Subscribe(ctx context.Context, topics []string) error {
	c.subscribed <- append([]string(nil), topics...)
	return nil
}

func (c *fakeChannel) Receive(ctx context.Context) (string, []byte, error) {
	select {
	case msg := <-c.messages:
		return msg.topic, msg.body, msg.err
	case <-c.closed:
		return "", nil, errors.New("channel closed")
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// scriptedDialer hands out channels in order. A nil entry fails that dial.
type scriptedDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	dials    int
}

func (d *scriptedDialer) dial(ctx context.Context) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.channels) == 0 {
		return nil, errors.New("dial refused")
	}
	next := d.channels[0]
	d.channels = d.channels[1:]
	if next == nil {
		return nil, errors.New("dial refused")
	}
	return next, nil
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
