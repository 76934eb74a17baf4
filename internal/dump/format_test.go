package dump

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSample(t *testing.T, close bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{DumpID: "d1", Database: "main", Types: []string{"default::User"}}))
	require.NoError(t, w.WriteSchema("CREATE TYPE default::User;"))
	require.NoError(t, w.WriteData(&DataChunk{Type: "default::User", Objects: []json.RawMessage{
		json.RawMessage(`{"id":"1"}`), json.RawMessage(`{"id":"2"}`),
	}}))
	require.NoError(t, w.WriteData(&DataChunk{Type: "default::User", Objects: []json.RawMessage{json.RawMessage(`{"id":"3"}`)}}))
	if close {
		require.NoError(t, w.Close())
	}
	return buf.Bytes()
}

func readAll(data []byte) (*Header, string, []*DataChunk, error) {
	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, "", nil, err
	}
	defer r.Close()
	schema, err := r.Schema()
	if err != nil {
		return nil, "", nil, err
	}
	var chunks []*DataChunk
	for {
		c, err := r.Next()
		if err == io.EOF {
			return r.Header(), schema, chunks, nil
		}
		if err != nil {
			return nil, "", nil, err
		}
		chunks = append(chunks, c)
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	data := writeSample(t, true)
	assert.Equal(t, "\xffEDGECLIDUMP", string(data[:12]))
	assert.Equal(t, FormatVersion, binary.BigEndian.Uint16(data[12:14]))
	assert.Equal(t, byte('H'), data[14])

	h, schema, chunks, err := readAll(data)
	require.NoError(t, err)
	assert.Equal(t, "d1", h.DumpID)
	assert.Equal(t, FormatVersion, h.FormatVersion)
	assert.Equal(t, "CREATE TYPE default::User;", schema)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0].Objects, 2)
	assert.JSONEq(t, `{"id":"3"}`, string(chunks[1].Objects[0]))
}

func TestFormat_NextReadsSchemaImplicitly(t *testing.T) {
	r, err := NewReader(bytes.NewReader(writeSample(t, true)))
	require.NoError(t, err)
	c, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "default::User", c.Type)
	s, err := r.Schema()
	require.NoError(t, err)
	assert.Equal(t, "CREATE TYPE default::User;", s)
}

func TestFormat_Errors(t *testing.T) {
	good := writeSample(t, true)

	t.Run("bad magic", func(t *testing.T) {
		_, err := NewReader(bytes.NewReader([]byte("PGDMP\x00\x00\x00\x00\x00\x00\x00\x00\x00")))
		assert.ErrorIs(t, err, ErrBadMagic)
		_, err = NewReader(bytes.NewReader([]byte("\xff")))
		assert.ErrorIs(t, err, ErrBadMagic)
	})

	t.Run("version", func(t *testing.T) {
		data := bytes.Clone(good)
		binary.BigEndian.PutUint16(data[12:14], 99)
		_, err := NewReader(bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("checksum", func(t *testing.T) {
		data := bytes.Clone(good)
		data[len(data)-1] ^= 0xff
		_, _, _, err := readAll(data)
		assert.ErrorIs(t, err, ErrChecksum)
	})

	t.Run("truncated payload", func(t *testing.T) {
		_, _, _, err := readAll(good[:len(good)-3])
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("missing end block", func(t *testing.T) {
		_, _, _, err := readAll(writeSample(t, false))
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("trailing data", func(t *testing.T) {
		data := append(bytes.Clone(good), "garbage"...)
		_, _, _, err := readAll(data)
		assert.ErrorIs(t, err, ErrTrailingData)
	})

	t.Run("out of order", func(t *testing.T) {
		var buf bytes.Buffer
		w, err := NewWriter(&buf)
		require.NoError(t, err)
		require.NoError(t, w.WriteHeader(&Header{}))
		w.last = BlockSchema
		require.NoError(t, w.WriteData(&DataChunk{Type: "x"}))
		require.NoError(t, w.Close())

		_, _, _, err = readAll(buf.Bytes())
		assert.ErrorIs(t, err, ErrBlockOrder)
	})
}

func TestWriter_EnforcesOrderAndChunkSize(t *testing.T) {
	w, err := NewWriter(io.Discard)
	require.NoError(t, err)
	assert.ErrorIs(t, w.WriteSchema("x"), ErrBlockOrder)
	require.NoError(t, w.WriteHeader(&Header{}))
	assert.ErrorIs(t, w.WriteData(&DataChunk{}), ErrBlockOrder)
	require.NoError(t, w.WriteSchema(""))

	big := &DataChunk{Type: "t"}
	for i := 0; i <= MaxChunkObjects; i++ {
		big.Objects = append(big.Objects, json.RawMessage(fmt.Sprintf(`{"id":"%d"}`, i)))
	}
	assert.Error(t, w.WriteData(big))
	require.NoError(t, w.Close())
}
