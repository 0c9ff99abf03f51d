package domain

import "strings"

// Field is one ordered key/value pair inside a formatted payload.
// Params: vendor-shaped key and rendered value.
// Returns: one payload document entry.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FormattedPayload is the output document of one format invocation.
// Params: ordered field list and derived byte size.
// Returns: immutable vendor payload created per call.
type FormattedPayload struct {
	Fields    []Field `json:"fields"`
	SizeBytes int     `json:"size_bytes"`
}

// NewFormattedPayload builds payload from ordered fields and computes byte size.
// Params: ordered key/value field list.
// Returns: payload with derived SizeBytes.
func NewFormattedPayload(fields []Field) FormattedPayload {
	size := 0
	for _, field := range fields {
		size += len(field.Key) + len(field.Value)
	}
	return FormattedPayload{Fields: fields, SizeBytes: size}
}

// Lookup returns value of first field with matching key.
// Params: field key.
// Returns: field value and presence flag.
func (p FormattedPayload) Lookup(key string) (string, bool) {
	for _, field := range p.Fields {
		if field.Key == key {
			return field.Value, true
		}
	}
	return "", false
}

// Render joins payload fields into a plain "key: value" text block.
// Params: none.
// Returns: newline-separated document used by chat destinations and incident descriptions.
func (p FormattedPayload) Render() string {
	var builder strings.Builder
	builder.Grow(p.SizeBytes + len(p.Fields)*3)
	for i, field := range p.Fields {
		if i > 0 {
			builder.WriteByte('\n')
		}
		builder.WriteString(field.Key)
		builder.WriteString(": ")
		builder.WriteString(field.Value)
	}
	return builder.String()
}
