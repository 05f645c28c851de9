package catalog

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://schemas.storesync.local/"

var entitySchemas = map[string]string{
	"product.json": `{
		"type": "object",
		"required": ["productId", "name", "price", "totalStock"],
		"properties": {
			"productId": {"type": "string", "minLength": 1},
			"name": {"type": "string"},
			"price": {"type": ["number", "string"]},
			"totalStock": {"type": "integer", "minimum": 0},
			"imageUrl": {"type": ["string", "null"]}
		}
	}`,
	"warehouse.json": `{
		"type": "object",
		"required": ["warehouseId", "name"],
		"properties": {
			"warehouseId": {"type": "string", "minLength": 1},
			"name": {"type": "string"},
			"street": {"type": ["string", "null"]},
			"postalCode": {"type": ["string", "null"]},
			"city": {"type": ["string", "null"]},
			"latitude": {"type": ["number", "null"]},
			"longitude": {"type": ["number", "null"]},
			"active": {"type": ["boolean", "null"]}
		}
	}`,
	"order.json": `{
		"type": "object",
		"required": ["orderId", "totalAmount", "orderStatus"],
		"properties": {
			"orderId": {"type": "string", "minLength": 1},
			"totalAmount": {"type": ["number", "string"]},
			"orderStatus": {"enum": ["PENDING", "PAID", "CANCELLED"]},
			"expiredAt": {"type": ["string", "null"]},
			"items": {
				"type": ["array", "null"],
				"items": {
					"type": "object",
					"required": ["productId", "quantity"],
					"properties": {
						"productId": {"type": "string"},
						"quantity": {"type": "integer", "minimum": 1}
					}
				}
			}
		}
	}`,
}

var schemaRegistry = struct {
	once     sync.Once
	err      error
	compiled map[string]*jsonschema.Schema
}{}

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	for name, raw := range entitySchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			schemaRegistry.err = fmt.Errorf("parse schema %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(schemaBaseURL+name, doc); err != nil {
			schemaRegistry.err = fmt.Errorf("add schema %s: %w", name, err)
			return
		}
	}
	compiled := make(map[string]*jsonschema.Schema, len(entitySchemas))
	for name := range entitySchemas {
		sch, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			schemaRegistry.err = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		compiled[name] = sch
	}
	schemaRegistry.compiled = compiled
}

func schemaFor(name string) (*jsonschema.Schema, error) {
	schemaRegistry.once.Do(compileSchemas)
	if schemaRegistry.err != nil {
		return nil, schemaRegistry.err
	}
	sch, ok := schemaRegistry.compiled[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %s", name)
	}
	return sch, nil
}

// validateInstance checks one raw JSON entity against the named schema.
func validateInstance(name string, raw []byte) error {
	sch, err := schemaFor(name)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
