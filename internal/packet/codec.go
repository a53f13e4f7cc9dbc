package packet

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// DefaultMaxFrameBytes is the recommended cap from the protocol description:
// a single encoded packet (JSON object plus trailing newline) larger than
// this is rejected rather than silently truncated.
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// Codec encodes and decodes packets to/from the one-JSON-object-per-line
// wire format. The zero value is not usable; use NewCodec.
type Codec struct {
	maxFrameBytes int
}

// NewCodec returns a Codec enforcing maxFrameBytes as the largest allowed
// encoded frame, including the trailing newline. A maxFrameBytes <= 0 uses
// DefaultMaxFrameBytes.
func NewCodec(maxFrameBytes int) *Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Codec{maxFrameBytes: maxFrameBytes}
}

// Encode writes p to w as one JSON object followed by '\n'.
func (c *Codec) Encode(w io.Writer, p *Packet) error {
	if p.Type == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidType)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("packet: encode: %w", err)
	}
	if len(b)+1 > c.maxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b)+1)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("packet: write: %w", err)
	}
	return nil
}

// wireFrame mirrors Packet but with pointer fields so the decoder can tell
// "absent" apart from "present with zero value".
type wireFrame struct {
	ID                  *int64         `json:"id"`
	Type                *string        `json:"type"`
	Body                map[string]any `json:"body"`
	BodyPresent         bool           `json:"-"`
	PayloadSize         *int64         `json:"payloadSize"`
	PayloadTransferInfo map[string]any `json:"payloadTransferInfo"`
}

// Decode reads a single frame (up to the next '\n') from r, enforcing the
// codec's maximum frame length, and validates it into a Packet.
//
// A frame longer than the configured cap is reported as ErrFrameTooLarge;
// the remainder of that oversized frame is discarded up to and including
// the next newline so the stream can, in principle, resynchronize — callers
// are nevertheless expected to close the Link.
func (c *Codec) Decode(r *bufio.Reader) (*Packet, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > c.maxFrameBytes {
			c.discardRestOfFrame(r, err)
			return nil, fmt.Errorf("%w: exceeds %d bytes", ErrFrameTooLarge, c.maxFrameBytes)
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(chunk) == 0 && len(line) == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("packet: read: %w", err)
	}

	line = bytes.TrimRight(line, "\r\n")
	return c.parse(line)
}

func (c *Codec) discardRestOfFrame(r *bufio.Reader, lastErr error) {
	if lastErr == nil {
		return
	}
	for {
		_, err := r.ReadSlice('\n')
		if err == nil || err != bufio.ErrBufferFull {
			return
		}
	}
}

func (c *Codec) parse(line []byte) (*Packet, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var wf wireFrame
	if bodyRaw, ok := raw["body"]; ok {
		wf.BodyPresent = true
		if err := json.Unmarshal(bodyRaw, &wf.Body); err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrMalformedFrame, err)
		}
	}
	if idRaw, ok := raw["id"]; ok {
		if err := json.Unmarshal(idRaw, &wf.ID); err != nil {
			return nil, fmt.Errorf("%w: id: %v", ErrMalformedFrame, err)
		}
	}
	if typeRaw, ok := raw["type"]; ok {
		if err := json.Unmarshal(typeRaw, &wf.Type); err != nil {
			return nil, fmt.Errorf("%w: type: %v", ErrInvalidType, err)
		}
	}
	if sizeRaw, ok := raw["payloadSize"]; ok {
		if err := json.Unmarshal(sizeRaw, &wf.PayloadSize); err != nil {
			return nil, fmt.Errorf("%w: payloadSize: %v", ErrMalformedFrame, err)
		}
	}
	if infoRaw, ok := raw["payloadTransferInfo"]; ok {
		if err := json.Unmarshal(infoRaw, &wf.PayloadTransferInfo); err != nil {
			return nil, fmt.Errorf("%w: payloadTransferInfo: %v", ErrMalformedFrame, err)
		}
	}

	if wf.Type == nil || *wf.Type == "" {
		return nil, fmt.Errorf("%w: missing or empty type (saw %q)", ErrInvalidType, sniffType(line))
	}
	if !wf.BodyPresent {
		return nil, fmt.Errorf("%w: missing body", ErrMalformedFrame)
	}
	if wf.Body == nil {
		return nil, fmt.Errorf("%w: body must be an object", ErrMalformedFrame)
	}
	if wf.ID == nil {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedFrame)
	}
	if wf.PayloadSize != nil {
		if *wf.PayloadSize <= 0 {
			return nil, fmt.Errorf("%w: non-positive payloadSize", ErrMalformedFrame)
		}
		if wf.PayloadTransferInfo == nil {
			return nil, fmt.Errorf("%w: payloadSize without payloadTransferInfo", ErrMalformedFrame)
		}
	} else if wf.PayloadTransferInfo != nil {
		return nil, fmt.Errorf("%w: payloadTransferInfo without payloadSize", ErrMalformedFrame)
	}

	return &Packet{
		ID:                  *wf.ID,
		Type:                *wf.Type,
		Body:                wf.Body,
		PayloadSize:         wf.PayloadSize,
		PayloadTransferInfo: wf.PayloadTransferInfo,
	}, nil
}

// sniffType pulls the "type" field out of a raw frame without requiring it
// to have parsed cleanly, so a rejection log line can still name the packet
// kind that was rejected.
func sniffType(line []byte) string {
	r := gjson.GetBytes(line, "type")
	if !r.Exists() {
		return ""
	}
	return r.String()
}
