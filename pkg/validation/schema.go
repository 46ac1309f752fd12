package validation

import (
	"bytes"
	"errors"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/legivellum/receiptgate/pkg/gateerr"

	_ "embed"
)

//go:embed receipt.schema.json
var receiptSchemaJSON []byte

const receiptSchemaURL = "https://receiptgate.schemas.local/receipt.schema.json"

var receiptSchema = mustCompileReceiptSchema()

func mustCompileReceiptSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(receiptSchemaURL, bytes.NewReader(receiptSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(receiptSchemaURL)
}

// ValidateSchema checks a raw envelope payload against the receipt JSON
// schema before any typed decoding. Schema failures map to VALIDATION_ERROR
// with the offending instance locations attached.
func ValidateSchema(payload map[string]any) *gateerr.Error {
	err := receiptSchema.Validate(payload)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		details := make([]map[string]any, 0, len(ve.Causes))
		for _, c := range leafCauses(ve) {
			details = append(details, map[string]any{
				"field":      c.InstanceLocation,
				"constraint": c.KeywordLocation,
				"message":    c.Message,
			})
		}
		return gateerr.Validation("Receipt schema validation failed", map[string]any{"errors": details})
	}
	return gateerr.Validation("Receipt schema validation failed", map[string]any{"error": err.Error()})
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var leaves []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		leaves = append(leaves, leafCauses(c)...)
	}
	return leaves
}
