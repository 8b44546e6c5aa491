package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xtxerr/historian/internal/storage/types"
)

// Record payload format (little-endian):
//   - Sample count (4 bytes)
//   - Per sample:
//     SeriesID (8 bytes)
//     TimestampMs (8 bytes)
//     DataType (1 byte)
//     Value: binary 1 byte, multistate 4 bytes, numeric 8 bytes (float64 bits),
//     alphanumeric 4 bytes length + text

// encodeSamples encodes a batch of samples into one record payload.
func encodeSamples(samples []types.Sample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, len(samples)*26)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(samples)))

	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(s.SeriesID))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(s.TimestampMs))
		buf = append(buf, byte(s.Value.Type))

		switch s.Value.Type {
		case types.DataTypeBinary:
			if s.Value.Bool {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case types.DataTypeMultistate:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Value.State))
		case types.DataTypeNumeric:
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(s.Value.Number))
		case types.DataTypeAlphanumeric:
			buf = appendString(buf, s.Value.Text)
		default:
			return nil, fmt.Errorf("sample of series %d: %s", s.SeriesID, s.Value.Type)
		}
	}

	return buf, nil
}

// decodeSamples decodes a record payload.
func decodeSamples(data []byte) ([]types.Sample, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for sample count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}
	// Every sample takes at least 18 bytes.
	if count > (len(data)-4)/18 {
		return nil, fmt.Errorf("sample count %d exceeds payload", count)
	}

	samples := make([]types.Sample, count)
	offset := 4

	for i := 0; i < count; i++ {
		if offset+17 > len(data) {
			return nil, fmt.Errorf("sample %d: data too short for header", i)
		}
		s := types.Sample{
			SeriesID:    types.SeriesID(binary.LittleEndian.Uint64(data[offset:])),
			TimestampMs: int64(binary.LittleEndian.Uint64(data[offset+8:])),
		}
		dt := types.DataType(data[offset+16])
		offset += 17

		switch dt {
		case types.DataTypeBinary:
			if offset+1 > len(data) {
				return nil, fmt.Errorf("sample %d: data too short for binary value", i)
			}
			s.Value = types.BinaryValue(data[offset] == 1)
			offset++
		case types.DataTypeMultistate:
			if offset+4 > len(data) {
				return nil, fmt.Errorf("sample %d: data too short for state", i)
			}
			s.Value = types.MultistateValue(int32(binary.LittleEndian.Uint32(data[offset:])))
			offset += 4
		case types.DataTypeNumeric:
			if offset+8 > len(data) {
				return nil, fmt.Errorf("sample %d: data too short for number", i)
			}
			s.Value = types.NumericValue(math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])))
			offset += 8
		case types.DataTypeAlphanumeric:
			var text string
			var err error
			text, offset, err = readString(data, offset)
			if err != nil {
				return nil, fmt.Errorf("sample %d text: %w", i, err)
			}
			s.Value = types.AlphanumericValue(text)
		default:
			return nil, fmt.Errorf("sample %d: unknown data type %d", i, dt)
		}

		samples[i] = s
	}

	return samples, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+4 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	if length < 0 || offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
