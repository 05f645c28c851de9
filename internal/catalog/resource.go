package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a backend payload that failed decoding or schema
// validation. A malformed page is rejected as a whole.
var ErrMalformed = errors.New("malformed payload")

type Service string

const (
	ServiceProduct   Service = "product"
	ServiceWarehouse Service = "warehouse"
	ServiceOrder     Service = "order"
)

// Resource describes one paginated listing exposed by the backend.
type Resource struct {
	Name    string
	Service Service
	Path    string
	ListKey string
	schema  string
	decode  func(raw json.RawMessage) (Entity, error)
}

var (
	Products = Resource{
		Name:    "products",
		Service: ServiceProduct,
		Path:    "/products",
		ListKey: "products",
		schema:  "product.json",
		decode:  decodeAs[Product],
	}
	Warehouses = Resource{
		Name:    "warehouses",
		Service: ServiceWarehouse,
		Path:    "/warehouses",
		ListKey: "warehouses",
		schema:  "warehouse.json",
		decode:  decodeAs[Warehouse],
	}
	Orders = Resource{
		Name:    "orders",
		Service: ServiceOrder,
		Path:    "/orders",
		ListKey: "orders",
		schema:  "order.json",
		decode:  decodeAs[Order],
	}
	CustomerOrders = Resource{
		Name:    "customer-orders",
		Service: ServiceOrder,
		Path:    "/orders/customers",
		ListKey: "orders",
		schema:  "order.json",
		decode:  decodeAs[Order],
	}
)

func decodeAs[T Entity](raw json.RawMessage) (Entity, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeEntity validates and decodes a single entity of this resource.
func (r Resource) DecodeEntity(raw []byte) (Entity, error) {
	if r.decode == nil {
		return nil, fmt.Errorf("%w: resource %q has no decoder", ErrMalformed, r.Name)
	}
	if err := validateInstance(r.schema, raw); err != nil {
		return nil, fmt.Errorf("%w: %s entity: %v", ErrMalformed, r.Name, err)
	}
	entity, err := r.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s entity: %v", ErrMalformed, r.Name, err)
	}
	if entity.EntityID() == "" {
		return nil, fmt.Errorf("%w: %s entity without id", ErrMalformed, r.Name)
	}
	return entity, nil
}

// DecodePage decodes a listing response of the shape
// {"<listKey>": [...], "currentPage": n, "totalPages": m}. The generic key
// "items" is accepted as well. Every entity must pass validation or the
// whole page is rejected. The page index is always requestedPage, so a
// backend that numbers pages differently cannot move the cursor.
func (r Resource) DecodePage(body []byte, requestedPage int) (Page, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	rawTotal, ok := envelope["totalPages"]
	if !ok {
		return Page{}, fmt.Errorf("%w: missing totalPages", ErrMalformed)
	}
	var totalPages int
	if err := json.Unmarshal(rawTotal, &totalPages); err != nil || totalPages < 0 {
		return Page{}, fmt.Errorf("%w: invalid totalPages", ErrMalformed)
	}
	reported := requestedPage
	if rawCurrent, ok := envelope["currentPage"]; ok {
		var current int
		if err := json.Unmarshal(rawCurrent, &current); err != nil || current < 0 {
			return Page{}, fmt.Errorf("%w: invalid currentPage", ErrMalformed)
		}
		reported = current
	}
	rawItems, ok := envelope[r.ListKey]
	if !ok {
		rawItems, ok = envelope["items"]
	}
	var items []json.RawMessage
	if ok && string(rawItems) != "null" {
		if err := json.Unmarshal(rawItems, &items); err != nil {
			return Page{}, fmt.Errorf("%w: %s is not a list", ErrMalformed, r.ListKey)
		}
	}
	entities := make([]Entity, 0, len(items))
	for _, raw := range items {
		entity, err := r.DecodeEntity(raw)
		if err != nil {
			return Page{}, err
		}
		entities = append(entities, entity)
	}
	return Page{
		Items:        entities,
		PageIndex:    requestedPage,
		TotalPages:   totalPages,
		ReportedPage: reported,
	}, nil
}
