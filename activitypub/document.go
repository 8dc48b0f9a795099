package activitypub

import (
	"encoding/json"
	"strings"
	"time"
)

// Document is a decoded JSON-LD object. All accessors are nil-safe and return
// the zero value when a field is missing or has an unexpected type.
type Document map[string]any

// ParseDocument decodes a JSON object
func ParseDocument(body []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// String returns a string field
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Has reports whether key is present and not null
func (d Document) Has(key string) bool {
	v, ok := d[key]
	return ok && v != nil
}

// Object returns a nested object, or nil
func (d Document) Object(key string) Document {
	switch v := d[key].(type) {
	case map[string]any:
		return Document(v)
	case Document:
		return v
	}
	return nil
}

// ID returns the field as an IRI: either the string itself or the "id" of an
// embedded object. Link objects fall back to "href".
func (d Document) ID(key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return id
		}
		if href, ok := v["href"].(string); ok {
			return href
		}
	case []any:
		if len(v) > 0 {
			return Document{"x": v[0]}.ID("x")
		}
	}
	return ""
}

// Type returns "type", taking the first entry when it is an array
func (d Document) Type() string {
	switch v := d["type"].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			s, _ := v[0].(string)
			return s
		}
	}
	return ""
}

// Objects returns an array field as documents. A single object is wrapped.
// Non-object entries are skipped.
func (d Document) Objects(key string) []Document {
	switch v := d[key].(type) {
	case map[string]any:
		return []Document{v}
	case []any:
		out := make([]Document, 0, len(v))
		for _, item := range v {
			switch m := item.(type) {
			case map[string]any:
				out = append(out, m)
			case Document:
				out = append(out, m)
			}
		}
		return out
	case Document:
		return []Document{v}
	}
	return nil
}

// Strings returns a string or string array field as a slice
func (d Document) Strings(key string) []string {
	switch v := d[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// Bool returns a boolean field
func (d Document) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Int returns a numeric field truncated to int
func (d Document) Int(key string) int {
	f, _ := d[key].(float64)
	return int(f)
}

// Time parses an RFC 3339 timestamp field
func (d Document) Time(key string) *time.Time {
	s := strings.TrimSpace(d.String(key))
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
