package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

var (
	_ sql.Scanner   = (*WebhookEvents)(nil)
	_ driver.Valuer = WebhookEvents(nil)
	_ sql.Scanner   = (*TemplateVars)(nil)
	_ driver.Valuer = TemplateVars(nil)
	_ sql.Scanner   = (*LogMetadata)(nil)
	_ driver.Valuer = LogMetadata(nil)
)

// scanJSONB scans a JSONB database value into dest. It accepts the []byte and
// string representations different drivers produce.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// valueJSONB converts v to a JSONB-compatible driver.Value.
func valueJSONB(v any) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner.
func (w *WebhookEvents) Scan(value any) error {
	if value == nil {
		*w = nil
		return nil
	}
	return scanJSONB(w, value)
}

// Value implements driver.Valuer. An empty map is stored as '{}'.
func (w WebhookEvents) Value() (driver.Value, error) {
	if w == nil {
		return []byte("{}"), nil
	}
	return valueJSONB(map[WebhookEventType]WebhookEventRecord(w))
}

// Scan implements sql.Scanner.
func (v *TemplateVars) Scan(value any) error {
	if value == nil {
		*v = nil
		return nil
	}
	return scanJSONB(v, value)
}

// Value implements driver.Valuer.
func (v TemplateVars) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return valueJSONB(map[string]any(v))
}

// Scan implements sql.Scanner.
func (m *LogMetadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements driver.Valuer.
func (m LogMetadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return valueJSONB(map[string]any(m))
}
