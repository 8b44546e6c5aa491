package kv

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/types"
)

// codec compresses sample blocks with zstd.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec(level int) (*codec, error) {
	encLevel := zstd.SpeedDefault
	switch {
	case level <= 0:
	case level == 1:
		encLevel = zstd.SpeedFastest
	case level <= 3:
		encLevel = zstd.SpeedDefault
	case level <= 9:
		encLevel = zstd.SpeedBetterCompression
	default:
		encLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	return &codec{encoder: encoder, decoder: decoder}, nil
}

func (c *codec) close() {
	c.encoder.Close()
	c.decoder.Close()
}

// encode writes the samples of one block, sorted by time, as
//
//	uvarint count
//	per sample: varint timestamp delta, type byte, payload
//
// and compresses the result. Timestamps are delta encoded from blockStart.
func (c *codec) encode(blockStart int64, samples []types.Sample) []byte {
	raw := make([]byte, 0, 4+len(samples)*12)
	raw = binary.AppendUvarint(raw, uint64(len(samples)))

	prev := blockStart
	for _, s := range samples {
		raw = binary.AppendVarint(raw, s.TimestampMs-prev)
		prev = s.TimestampMs

		raw = append(raw, byte(s.Value.Type))
		switch s.Value.Type {
		case types.DataTypeBinary:
			if s.Value.Bool {
				raw = append(raw, 1)
			} else {
				raw = append(raw, 0)
			}
		case types.DataTypeMultistate:
			raw = binary.AppendVarint(raw, int64(s.Value.State))
		case types.DataTypeNumeric:
			raw = binary.LittleEndian.AppendUint64(raw, math.Float64bits(s.Value.Number))
		case types.DataTypeAlphanumeric:
			raw = binary.AppendUvarint(raw, uint64(len(s.Value.Text)))
			raw = append(raw, s.Value.Text...)
		}
	}

	return c.encoder.EncodeAll(raw, nil)
}

// decode reverses encode.
func (c *codec) decode(series types.SeriesID, blockStart int64, data []byte) ([]types.Sample, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress block: %w", err)
	}

	r := blockReader{buf: raw}
	count := r.uvarint()
	if r.err == nil && count > uint64(len(raw)) {
		return nil, fmt.Errorf("corrupt block: %d samples in %d bytes", count, len(raw))
	}

	samples := make([]types.Sample, 0, count)
	prev := blockStart
	for i := uint64(0); i < count && r.err == nil; i++ {
		s := types.Sample{SeriesID: series}
		prev += r.varint()
		s.TimestampMs = prev

		switch dt := types.DataType(r.readByte()); dt {
		case types.DataTypeBinary:
			s.Value = types.BinaryValue(r.readByte() != 0)
		case types.DataTypeMultistate:
			s.Value = types.MultistateValue(int32(r.varint()))
		case types.DataTypeNumeric:
			s.Value = types.NumericValue(math.Float64frombits(r.uint64()))
		case types.DataTypeAlphanumeric:
			s.Value = types.AlphanumericValue(string(r.bytes(int(r.uvarint()))))
		default:
			if r.err == nil {
				r.err = fmt.Errorf("corrupt block: data type %d", dt)
			}
		}
		samples = append(samples, s)
	}
	if r.err != nil {
		return nil, r.err
	}
	return samples, nil
}

// blockReader decodes a raw block, keeping the first error.
type blockReader struct {
	buf []byte
	err error
}

var errShortBlock = errors.New("corrupt block: unexpected end")

func (r *blockReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = errShortBlock
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *blockReader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.err = errShortBlock
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *blockReader) readByte() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *blockReader) uint64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *blockReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = errShortBlock
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}
