package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/pithecene-io/cairn/types"
)

// appendMirror writes one envelope as a single JSONL line. The mirror
// is written before the store; a failed store insert after a mirror
// append surfaces as an error to the caller, so the two surfaces can
// only disagree on a failed operation.
func (t *Telemetry) appendMirror(evt *types.EventEnvelope) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("telemetry: encode %s event: %w", evt.Kind, err)
	}
	if _, err := t.mirror.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("telemetry: append mirror: %w", err)
	}
	return nil
}
