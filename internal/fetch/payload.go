package fetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Metadata describes the window a payload answers.
type Metadata struct {
	Begin float64 `json:"begin"`
	End   float64 `json:"end"`
	Bins  int     `json:"bins"`
}

// Record is one keyed datum. Streams deliver records one at a time.
type Record struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// StreamEvent is one message of a stream: either its metadata header or a
// record.
type StreamEvent struct {
	Metadata *Metadata       `json:"metadata,omitempty"`
	Key      string          `json:"key,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// Payload is the result of one request: metadata plus records keyed by
// string and kept in arrival order. It is not safe for concurrent use; the
// cache only touches it on the scheduler thread.
type Payload struct {
	Metadata Metadata

	keys    []string
	records map[string]json.RawMessage
}

// NewPayload returns an empty payload for md.
func NewPayload(md Metadata) *Payload {
	return &Payload{Metadata: md, records: map[string]json.RawMessage{}}
}

// Put stores value under key and reports whether the key is new. Existing
// keys keep their position and take the new value.
func (p *Payload) Put(key string, value json.RawMessage) bool {
	if p.records == nil {
		p.records = map[string]json.RawMessage{}
	}
	_, exists := p.records[key]
	p.records[key] = value
	if !exists {
		p.keys = append(p.keys, key)
	}
	return !exists
}

// Get returns the raw value stored under key.
func (p *Payload) Get(key string) (json.RawMessage, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.records[key]
	return v, ok
}

// Decode unmarshals the value under key into v.
func (p *Payload) Decode(key string, v any) error {
	raw, ok := p.Get(key)
	if !ok {
		return fmt.Errorf("%w: no record %q", ErrMalformedPayload, key)
	}
	return json.Unmarshal(raw, v)
}

// Keys returns the record keys in arrival order.
func (p *Payload) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len is the number of records.
func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Floats decodes every record as a number, keyed by bin index. Records that
// are not numbers (null for an empty bin) are skipped.
func (p *Payload) Floats() map[int]float64 {
	out := make(map[int]float64, p.Len())
	if p == nil {
		return out
	}
	for _, k := range p.keys {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		var f *float64
		if json.Unmarshal(p.records[k], &f) == nil && f != nil {
			out[idx] = *f
		}
	}
	return out
}

type envelope struct {
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

// DecodePayload parses a batch response body. An array body is keyed by
// index; an object body is keyed by its keys in sorted order.
func DecodePayload(body []byte) (*Payload, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	p := NewPayload(env.Metadata)
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return p, nil
	}

	switch data[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		for i, item := range items {
			p.Put(strconv.Itoa(i), item)
		}
	case '{':
		var items map[string]json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		keys := make([]string, 0, len(items))
		for k := range items {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p.Put(k, items[k])
		}
	default:
		return nil, fmt.Errorf("%w: data must be an array or object", ErrMalformedPayload)
	}
	return p, nil
}

// EncodePayload is the inverse of DecodePayload for object-shaped data.
func EncodePayload(md Metadata, data any) ([]byte, error) {
	return json.Marshal(struct {
		Data     any      `json:"data"`
		Metadata Metadata `json:"metadata"`
	}{Data: data, Metadata: md})
}
