// Package telemetry parses ingest request bodies into model.Telemetry.
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"
)

const formContentType = "application/x-www-form-urlencoded"

// Document is a parsed request body. Values are json.Number, string, bool,
// nested Document-shaped maps or slices.
type Document map[string]any

// Parse decodes body according to contentType. Form bodies become flat string
// values; anything else is treated as a JSON object.
func Parse(contentType string, body []byte) (Document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}

	mt, _, _ := mime.ParseMediaType(contentType)
	if mt == formContentType {
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseableBody, err)
		}
		doc := make(Document, len(vals))
		for k, v := range vals {
			if len(v) > 0 {
				doc[k] = v[0]
			}
		}
		if len(doc) == 0 {
			return nil, ErrEmptyBody
		}
		return doc, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseableBody, err)
	}
	if doc == nil {
		return nil, ErrUnparseableBody
	}
	if len(doc) == 0 {
		return nil, ErrEmptyBody
	}
	return doc, nil
}

// Lookup resolves path against d. The flat key is tried first so form bodies
// and JSON objects with literal dotted keys resolve, then the dotted walk.
func (d Document) Lookup(path string) (any, bool) {
	if v, ok := d[path]; ok && v != nil {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}
	var cur any = map[string]any(d)
	for _, seg := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	default:
		return nil, false
	}
}
