package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entity is any record held in a paginated collection. EntityID must be
// non-empty and unique within its collection.
type Entity interface {
	EntityID() string
}

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusCancelled:
		return true
	}
	return false
}

type Product struct {
	ProductID  string          `json:"productId"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	TotalStock int             `json:"totalStock"`
	ImageURL   string          `json:"imageUrl,omitempty"`
}

func (p Product) EntityID() string { return p.ProductID }

type Warehouse struct {
	WarehouseID string  `json:"warehouseId"`
	Name        string  `json:"name"`
	Street      string  `json:"street,omitempty"`
	PostalCode  string  `json:"postalCode,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	Active      bool    `json:"active"`
}

func (w Warehouse) EntityID() string { return w.WarehouseID }

type OrderItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	SubTotal  decimal.Decimal `json:"subTotal"`
}

type Order struct {
	OrderID     string          `json:"orderId"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	OrderStatus OrderStatus     `json:"orderStatus"`
	ExpiredAt   *time.Time      `json:"expiredAt,omitempty"`
	Items       []OrderItem     `json:"items,omitempty"`
}

func (o Order) EntityID() string { return o.OrderID }

type Address struct {
	Street     string  `json:"street"`
	PostalCode string  `json:"postalCode"`
	City       string  `json:"city"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// OrderRequest is the checkout payload accepted by POST /orders.
type OrderRequest struct {
	Price   decimal.Decimal `json:"price"`
	Items   []OrderItem     `json:"items"`
	Address Address         `json:"address"`
}

// StockChange is the body of POST /warehouses/stocks/apply. Quantity is a
// signed delta, not an absolute level.
type StockChange struct {
	ProductID   string `json:"productId"`
	WarehouseID string `json:"warehouseId"`
	Quantity    int    `json:"quantity"`
}

type DailyStat struct {
	Date        string `json:"date"`
	TotalOrders int    `json:"totalOrders"`
}

type OrderStats struct {
	DailyStats []DailyStat `json:"dailyStats"`
}

// Page is one decoded page of a paginated listing. PageIndex is always the
// page that was requested; ReportedPage is the backend's currentPage and
// only informs diagnostics.
type Page struct {
	Items        []Entity
	PageIndex    int
	TotalPages   int
	ReportedPage int
}

// PageMismatch reports whether the backend echoed a page other than the one
// requested.
func (p Page) PageMismatch() bool {
	return p.ReportedPage != p.PageIndex
}
