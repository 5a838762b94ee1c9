// Package receipt shapes and validates the terminal run summary
// artifact.
//
// Validation is structural (JSON Schema) and never blocks persistence:
// a receipt that fails validation is still written, carrying its own
// validation verdict under receipt_validation so downstream consumers
// can see that it judged itself defective and why.
package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pithecene-io/cairn/types"
)

// schemaJSON is the structural contract for a receipt. Only the fields
// the validator is specified to check are required; everything else is
// forward-compatible caller payload.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["receipt_version", "run_id", "script", "timestamp", "phases", "invariants", "metrics"],
  "properties": {
    "receipt_version": {"const": "` + types.ReceiptVersion + `"},
    "run_id": {"type": "string", "minLength": 1},
    "script": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string", "minLength": 1},
    "phases": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string"}
    },
    "invariants": {
      "type": "object",
      "required": ["ok", "violations"],
      "properties": {
        "ok": {"type": "boolean"},
        "violations": {"type": "array"}
      }
    },
    "metrics": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["metric", "num", "den"],
        "properties": {
          "metric": {"type": "string", "minLength": 1},
          "num": {"type": "number"},
          "den": {"type": "number"}
        }
      }
    }
  }
}`

var receiptSchema = jsonschema.MustCompileString("receipt.schema.json", schemaJSON)

// Validate structurally checks a receipt and returns the verdict with
// human-readable error strings. It never fails hard: unencodable
// receipts come back as a validation failure, not an error.
func Validate(r *types.Receipt) types.ReceiptValidation {
	raw, err := json.Marshal(r)
	if err != nil {
		return types.ReceiptValidation{
			OK:     false,
			Errors: []string{fmt.Sprintf("receipt is not JSON-encodable: %v", err)},
		}
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return types.ReceiptValidation{
			OK:     false,
			Errors: []string{fmt.Sprintf("receipt round-trip failed: %v", err)},
		}
	}

	if err := receiptSchema.Validate(instance); err != nil {
		return types.ReceiptValidation{OK: false, Errors: schemaErrors(err)}
	}
	return types.ReceiptValidation{OK: true, Errors: []string{}}
}

// schemaErrors flattens a jsonschema validation error into sorted
// leaf messages like "/metrics: expected array, but got null".
func schemaErrors(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}

	var msgs []string
	collectLeaves(ve, &msgs)
	sort.Strings(msgs)
	return msgs
}

func collectLeaves(ve *jsonschema.ValidationError, msgs *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "(root)"
		}
		*msgs = append(*msgs, fmt.Sprintf("%s: %s", loc, ve.Message))
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, msgs)
	}
}

// Write ensures dir exists, validates the receipt, attaches the verdict
// under receipt_validation, and writes the file regardless of the
// verdict. The caller is expected to log a failed verdict; Write only
// errors on filesystem or encoding failures.
//
// The file is named <runID>.json under dir. Returns the written path.
func Write(runID, dir string, r *types.Receipt) (string, error) {
	if runID == "" {
		return "", errors.New("receipt: run id is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("receipt: create directory %s: %w", dir, err)
	}

	validation := Validate(r)
	r.Validation = &validation

	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("receipt: encode: %w", err)
	}

	path := filepath.Join(dir, runID+".json")
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("receipt: write %s: %w", path, err)
	}
	return path, nil
}
