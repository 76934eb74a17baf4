package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Object is a decoded object with its fields in the order the server sent
// them.
type Object struct {
	Keys   []string
	Fields map[string]interface{}
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{Fields: make(map[string]interface{})}
}

// Set appends or replaces a field.
func (o *Object) Set(key string, v interface{}) {
	if _, ok := o.Fields[key]; !ok {
		o.Keys = append(o.Keys, key)
	}
	o.Fields[key] = v
}

// Get returns a field.
func (o *Object) Get(key string) (interface{}, bool) {
	v, ok := o.Fields[key]
	return v, ok
}

// MarshalJSON keeps field order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.Fields[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeJSON decodes one JSON value. Objects become *Object, arrays
// []interface{}, numbers json.Number.
func DecodeJSON(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("object key is %T", kt)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			arr := []interface{}{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	default:
		return t, nil
	}
}

// Decoded returns the result's elements as values regardless of the IO
// format it was fetched with.
func (r *Result) Decoded() ([]interface{}, error) {
	switch r.Format {
	case FormatJSON:
		v, err := DecodeJSON([]byte(r.JSON))
		if err != nil {
			return nil, err
		}
		items, ok := v.([]interface{})
		if !ok {
			return []interface{}{v}, nil
		}
		return items, nil
	case FormatJSONElements:
		out := make([]interface{}, len(r.Elements))
		for i, e := range r.Elements {
			v, err := DecodeJSON([]byte(e))
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return r.Values, nil
	}
}
