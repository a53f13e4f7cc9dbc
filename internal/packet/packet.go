// Package packet implements the COSMIC Connect wire packet: a single JSON
// object per line, optionally advertising a side-channel payload.
package packet

import (
	"sync/atomic"
	"time"
)

// Packet is the unit exchanged on a Link once a session is established.
//
// Body is an ordered-enough map from string key to JSON-primitive values
// (string, float64, bool, nil, []any, map[string]any) as produced by
// encoding/json. PayloadTransferInfo is present if and only if PayloadSize
// is.
type Packet struct {
	ID                  int64          `json:"id"`
	Type                string         `json:"type"`
	Body                map[string]any `json:"body"`
	PayloadSize         *int64         `json:"payloadSize,omitempty"`
	PayloadTransferInfo map[string]any `json:"payloadTransferInfo,omitempty"`
}

// HasPayload reports whether this packet advertises a side-channel payload.
func (p *Packet) HasPayload() bool {
	return p != nil && p.PayloadSize != nil
}

// New returns a packet of the given type and body with no payload.
func New(id int64, typ string, body map[string]any) *Packet {
	if body == nil {
		body = map[string]any{}
	}
	return &Packet{ID: id, Type: typ, Body: body}
}

// WithPayload returns a copy of p advertising a side-channel payload of size
// bytes, described by transferInfo (e.g. {"port": 58001}).
func (p *Packet) WithPayload(size int64, transferInfo map[string]any) *Packet {
	cp := *p
	cp.PayloadSize = &size
	cp.PayloadTransferInfo = transferInfo
	return &cp
}

// IDGenerator produces monotonically increasing packet ids, unique within
// one process's session, seeded from wall-clock time so ids trend upward
// across restarts without requiring persisted state.
type IDGenerator struct {
	counter int64
}

// NewIDGenerator returns a generator seeded at the current time in
// milliseconds.
func NewIDGenerator() *IDGenerator {
	g := &IDGenerator{}
	g.counter = time.Now().UnixMilli()
	return g
}

// Next returns the next id, strictly greater than any previously returned
// by this generator.
func (g *IDGenerator) Next() int64 {
	return atomic.AddInt64(&g.counter, 1)
}
