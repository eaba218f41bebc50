package wal

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_EncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	in := []Record{
		{LSN: 1, Type: RecordPut, Payload: []byte("entry")},
		{LSN: 2, Type: RecordDelete, Payload: []byte{0x01}},
		{LSN: 3, Type: RecordTouch, Payload: nil},
	}
	for _, r := range in {
		require.NoError(t, r.Encode(&buf))
	}
	assert.Equal(t, in[0].Size()+in[1].Size()+in[2].Size(), buf.Len())

	for _, want := range in {
		got, n, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, int64(want.Size()), n)
		assert.Equal(t, want.LSN, got.LSN)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, len(want.Payload), len(got.Payload))
	}

	_, _, err := Decode(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecord_DecodeShort(t *testing.T) {
	r := Record{LSN: 7, Type: RecordPut, Payload: []byte("0123456789")}
	enc, err := r.AppendEncoded(nil)
	require.NoError(t, err)

	for _, cut := range []int{1, frameHeaderSize - 1, frameHeaderSize, len(enc) - 1} {
		_, _, err := Decode(bytes.NewReader(enc[:cut]))
		assert.ErrorIs(t, err, ErrShortRecord, "cut at %d", cut)
	}
}

func TestRecord_DecodeCorrupt(t *testing.T) {
	r := Record{LSN: 7, Type: RecordPut, Payload: []byte("payload")}
	enc, err := r.AppendEncoded(nil)
	require.NoError(t, err)

	enc[len(enc)-1] ^= 0xFF
	_, n, err := Decode(bytes.NewReader(enc))
	assert.ErrorIs(t, err, ErrInvalidCRC)
	assert.Equal(t, int64(len(enc)), n)
}

func TestRecord_Limits(t *testing.T) {
	big := Record{LSN: 1, Type: RecordPut, Payload: make([]byte, MaxPayloadSize+1)}
	_, err := big.AppendEncoded(nil)
	assert.ErrorIs(t, err, ErrRecordTooLarge)

	bad := Record{LSN: 1, Type: RecordType(42)}
	_, err = bad.AppendEncoded(nil)
	assert.ErrorIs(t, err, ErrInvalidType)

	assert.Equal(t, "touch", RecordTouch.String())
	assert.Equal(t, "RecordType(42)", RecordType(42).String())
}
