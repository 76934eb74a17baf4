// Package dump implements the logical dump file format and the dump and
// restore procedures built on introspection queries.
//
// A dump file starts with the magic "\xffEDGECLI" "DUMP" and a big-endian
// uint16 format version, followed by blocks:
//
//	kind    byte     'H' header, 'S' schema, 'D' data, 'E' end
//	length  uint32   compressed payload length
//	hash    uint64   siphash-2-4 of the compressed payload
//	payload [length] zstd-compressed
//
// Blocks appear in the order H S D* E.
package dump

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dchest/siphash"
	"github.com/klauspost/compress/zstd"
)

// FormatVersion is the version written by Writer.
const FormatVersion uint16 = 1

// MaxChunkObjects bounds the objects in one data block.
const MaxChunkObjects = 500

const maxPayload = 256 << 20

var magic = []byte("\xffEDGECLIDUMP")

// siphash keys are fixed; the hash detects corruption, not tampering.
const (
	hashK0 = 0x65646765636c6964
	hashK1 = 0x756d70666f726d74
)

var (
	ErrBadMagic           = errors.New("not a dump file")
	ErrUnsupportedVersion = errors.New("unsupported dump format version")
	ErrChecksum           = errors.New("dump block checksum mismatch")
	ErrBlockOrder         = errors.New("unexpected block in dump")
	ErrTruncated          = errors.New("dump file is truncated")
	ErrTrailingData       = errors.New("unexpected data after end of dump")
)

// BlockKind identifies a block.
type BlockKind byte

const (
	BlockHeader BlockKind = 'H'
	BlockSchema BlockKind = 'S'
	BlockData   BlockKind = 'D'
	BlockEnd    BlockKind = 'E'
)

func (k BlockKind) String() string {
	switch k {
	case BlockHeader:
		return "header"
	case BlockSchema:
		return "schema"
	case BlockData:
		return "data"
	case BlockEnd:
		return "end"
	case 0:
		return "start"
	}
	return fmt.Sprintf("block(%#x)", byte(k))
}

// allowed reports whether next may follow prev.
func allowed(prev, next BlockKind) bool {
	switch prev {
	case 0:
		return next == BlockHeader
	case BlockHeader:
		return next == BlockSchema
	case BlockSchema, BlockData:
		return next == BlockData || next == BlockEnd
	}
	return false
}

// Header describes a dump.
type Header struct {
	FormatVersion uint16    `json:"format_version"`
	DumpID        string    `json:"dump_id"`
	ServerVersion string    `json:"server_version"`
	Database      string    `json:"database"`
	CreatedAt     time.Time `json:"created_at"`
	Types         []string  `json:"types"`
}

// DataChunk holds up to MaxChunkObjects objects of one type, each as
// returned by the server in JSON.
type DataChunk struct {
	Type    string            `json:"type"`
	Objects []json.RawMessage `json:"objects"`
}

// Writer writes a dump file.
type Writer struct {
	w    io.Writer
	enc  *zstd.Encoder
	last BlockKind
}

// NewWriter writes the file preamble to w.
func NewWriter(w io.Writer) (*Writer, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	pre := make([]byte, 0, len(magic)+2)
	pre = append(pre, magic...)
	pre = binary.BigEndian.AppendUint16(pre, FormatVersion)
	if _, err := w.Write(pre); err != nil {
		return nil, err
	}
	return &Writer{w: w, enc: enc}, nil
}

func (w *Writer) WriteHeader(h *Header) error {
	h.FormatVersion = FormatVersion
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return w.block(BlockHeader, data)
}

func (w *Writer) WriteSchema(ddl string) error {
	return w.block(BlockSchema, []byte(ddl))
}

// WriteData writes one data block. Chunks over MaxChunkObjects are
// rejected.
func (w *Writer) WriteData(c *DataChunk) error {
	if len(c.Objects) > MaxChunkObjects {
		return fmt.Errorf("data chunk of %d objects exceeds %d", len(c.Objects), MaxChunkObjects)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return w.block(BlockData, data)
}

// Close writes the end block. It does not close the underlying writer.
func (w *Writer) Close() error {
	err := w.block(BlockEnd, nil)
	w.enc.Close()
	return err
}

func (w *Writer) block(kind BlockKind, raw []byte) error {
	if !allowed(w.last, kind) {
		return fmt.Errorf("%w: %s after %s", ErrBlockOrder, kind, w.last)
	}
	payload := w.enc.EncodeAll(raw, nil)
	var hdr [13]byte
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	binary.BigEndian.PutUint64(hdr[5:13], siphash.Hash(hashK0, hashK1, payload))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	w.last = kind
	return nil
}

// Reader reads a dump file. NewReader consumes the preamble and header
// block; Schema and Next return the rest in order.
type Reader struct {
	r      *bufio.Reader
	dec    *zstd.Decoder
	last   BlockKind
	header Header
	schema *string
}

// NewReader validates the preamble and reads the header.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	pre := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(br, pre); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBadMagic
		}
		return nil, err
	}
	if !bytes.Equal(pre[:len(magic)], magic) {
		return nil, ErrBadMagic
	}
	if v := binary.BigEndian.Uint16(pre[len(magic):]); v != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	rd := &Reader{r: br, dec: dec}

	kind, data, err := rd.next()
	if err != nil {
		return nil, err
	}
	if kind != BlockHeader {
		return nil, fmt.Errorf("%w: %s", ErrBlockOrder, kind)
	}
	if err := json.Unmarshal(data, &rd.header); err != nil {
		return nil, fmt.Errorf("invalid dump header: %w", err)
	}
	return rd, nil
}

// Header returns the dump header.
func (r *Reader) Header() *Header { return &r.header }

// Schema returns the schema DDL.
func (r *Reader) Schema() (string, error) {
	if r.schema != nil {
		return *r.schema, nil
	}
	kind, data, err := r.next()
	if err != nil {
		return "", err
	}
	if kind != BlockSchema {
		return "", fmt.Errorf("%w: %s", ErrBlockOrder, kind)
	}
	s := string(data)
	r.schema = &s
	return s, nil
}

// Next returns the next data chunk, or io.EOF after the end block.
func (r *Reader) Next() (*DataChunk, error) {
	if r.schema == nil {
		if _, err := r.Schema(); err != nil {
			return nil, err
		}
	}
	if r.last == BlockEnd {
		return nil, io.EOF
	}
	kind, data, err := r.next()
	if err != nil {
		return nil, err
	}
	if kind == BlockEnd {
		if _, err := r.r.Peek(1); err == nil {
			return nil, ErrTrailingData
		}
		return nil, io.EOF
	}
	var c DataChunk
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid data block: %w", err)
	}
	return &c, nil
}

// Close releases the decoder.
func (r *Reader) Close() {
	r.dec.Close()
}

func (r *Reader) next() (BlockKind, []byte, error) {
	var hdr [13]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, ErrTruncated
		}
		return 0, nil, err
	}
	kind := BlockKind(hdr[0])
	if !allowed(r.last, kind) {
		return 0, nil, fmt.Errorf("%w: %s after %s", ErrBlockOrder, kind, r.last)
	}
	n := binary.BigEndian.Uint32(hdr[1:5])
	if n > maxPayload {
		return 0, nil, fmt.Errorf("%w: block of %d bytes", ErrChecksum, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, ErrTruncated
		}
		return 0, nil, err
	}
	if siphash.Hash(hashK0, hashK1, payload) != binary.BigEndian.Uint64(hdr[5:13]) {
		return 0, nil, fmt.Errorf("%w in %s block", ErrChecksum, kind)
	}
	data, err := r.dec.DecodeAll(payload, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrChecksum, err)
	}
	r.last = kind
	return kind, data, nil
}
