package packet

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec(0)

	cases := []*Packet{
		New(1, "kdeconnect.ping", map[string]any{"message": "hello"}),
		New(2, "kdeconnect.identity", map[string]any{}),
	}
	sized := New(3, "kdeconnect.share.request", map[string]any{"filename": "a.txt"})
	cases = append(cases, sized.WithPayload(11, map[string]any{"port": float64(58001)}))

	for _, p := range cases {
		var buf bytes.Buffer
		require.NoError(t, c.Encode(&buf, p))
		assert.True(t, strings.HasSuffix(buf.String(), "\n"))

		got, err := c.Decode(bufio.NewReader(&buf))
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, p.Type, got.Type)
		assert.Equal(t, p.Body, got.Body)
		if p.HasPayload() {
			require.True(t, got.HasPayload())
			assert.Equal(t, *p.PayloadSize, *got.PayloadSize)
			assert.Equal(t, p.PayloadTransferInfo, got.PayloadTransferInfo)
		}

		var buf2 bytes.Buffer
		require.NoError(t, c.Encode(&buf2, got))
		got2, err := c.Decode(bufio.NewReader(&buf2))
		require.NoError(t, err)
		assert.Equal(t, got, got2)
	}
}

func TestCodecRejectsMissingType(t *testing.T) {
	c := NewCodec(0)
	_, err := c.Decode(bufio.NewReader(strings.NewReader(`{"id":1,"body":{}}` + "\n")))
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestCodecRejectsEmptyType(t *testing.T) {
	c := NewCodec(0)
	_, err := c.Decode(bufio.NewReader(strings.NewReader(`{"id":1,"type":"","body":{}}` + "\n")))
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestCodecRejectsMissingBody(t *testing.T) {
	c := NewCodec(0)
	_, err := c.Decode(bufio.NewReader(strings.NewReader(`{"id":1,"type":"kdeconnect.ping"}` + "\n")))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCodecRejectsNullBody(t *testing.T) {
	c := NewCodec(0)
	_, err := c.Decode(bufio.NewReader(strings.NewReader(`{"id":1,"type":"kdeconnect.ping","body":null}` + "\n")))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCodecRejectsPayloadSizeWithoutTransferInfo(t *testing.T) {
	c := NewCodec(0)
	_, err := c.Decode(bufio.NewReader(strings.NewReader(
		`{"id":1,"type":"kdeconnect.share.request","body":{},"payloadSize":10}` + "\n")))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCodecRejectsNonPositivePayloadSize(t *testing.T) {
	c := NewCodec(0)
	_, err := c.Decode(bufio.NewReader(strings.NewReader(
		`{"id":1,"type":"x","body":{},"payloadSize":0,"payloadTransferInfo":{"port":1}}` + "\n")))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	c := NewCodec(64)
	p := New(1, "kdeconnect.ping", map[string]any{"message": strings.Repeat("x", 200)})
	var buf bytes.Buffer
	err := c.Encode(&buf, p)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// A decoder facing an oversized frame from a misbehaving peer must also reject it.
	raw := `{"id":1,"type":"kdeconnect.ping","body":{"message":"` + strings.Repeat("x", 200) + `"}}` + "\n"
	_, err = c.Decode(bufio.NewReader(strings.NewReader(raw)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestIDGeneratorMonotonic(t *testing.T) {
	g := NewIDGenerator()
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		next := g.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
}
