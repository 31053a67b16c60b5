package admin

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const depositSchema = `{
  "type": "object",
  "required": ["actor", "amount_cents"],
  "additionalProperties": false,
  "properties": {
    "actor": {"type": "string", "minLength": 1, "maxLength": 64},
    "amount_cents": {"type": "integer", "minimum": 1},
    "memo": {"type": "string", "maxLength": 256}
  }
}`

const allocateSchema = `{
  "type": "object",
  "required": ["player", "claim_id", "amount"],
  "additionalProperties": false,
  "properties": {
    "player": {"type": "string", "minLength": 1, "maxLength": 64},
    "claim_id": {"type": "integer", "minimum": 1},
    "amount": {"type": "integer", "minimum": 1}
  }
}`

const purchaseSchema = `{
  "type": "object",
  "required": ["player", "amount", "kind"],
  "additionalProperties": false,
  "properties": {
    "request_id": {"type": "string", "maxLength": 64},
    "player": {"type": "string", "minLength": 1, "maxLength": 64},
    "claim_id": {"type": "integer", "minimum": 1},
    "amount": {"type": "integer", "minimum": 1},
    "kind": {"enum": ["direct", "pool"]}
  },
  "if": {"properties": {"kind": {"const": "direct"}}},
  "then": {"required": ["claim_id"]}
}`

const mergeSchema = `{
  "type": "object",
  "required": ["source_id"],
  "additionalProperties": false,
  "properties": {
    "source_id": {"type": "integer", "minimum": 1}
  }
}`

type schemas struct {
	deposit  *jsonschema.Schema
	allocate *jsonschema.Schema
	purchase *jsonschema.Schema
	merge    *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	compile := func(name, src string) (*jsonschema.Schema, error) {
		s, err := jsonschema.CompileString(name+".schema.json", src)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		return s, nil
	}
	var out schemas
	var err error
	if out.deposit, err = compile("deposit", depositSchema); err != nil {
		return nil, err
	}
	if out.allocate, err = compile("allocate", allocateSchema); err != nil {
		return nil, err
	}
	if out.purchase, err = compile("purchase", purchaseSchema); err != nil {
		return nil, err
	}
	if out.merge, err = compile("merge", mergeSchema); err != nil {
		return nil, err
	}
	return &out, nil
}
