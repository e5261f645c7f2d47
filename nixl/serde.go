package nixl

import (
	"encoding/binary"
	"fmt"
)

// SerDes is a small keyed byte-string serializer/deserializer: an ordered
// list of (key, value) pairs with a leading count, used for both the
// connection-info blob and the memory-key blob exchanged during the
// connection handshake. Keys are looked up by exact string match; order of
// insertion is preserved on the wire so encode/decode is deterministic and
// round-trips bitwise.
type SerDes struct {
	keys   []string
	values map[string][]byte
}

// NewSerDes returns an empty SerDes ready for writing.
func NewSerDes() *SerDes {
	return &SerDes{values: make(map[string][]byte)}
}

// AddBytes appends a key/value pair.
func (s *SerDes) AddBytes(key string, value []byte) {
	if _, exists := s.values[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// AddUint64 appends a key with a little-endian uint64 value.
func (s *SerDes) AddUint64(key string, value uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	s.AddBytes(key, buf)
}

// GetBytes returns the value stored under key.
func (s *SerDes) GetBytes(key string) ([]byte, bool) {
	v, ok := s.values[key]
	return v, ok
}

// GetUint64 decodes the value stored under key as a little-endian uint64.
func (s *SerDes) GetUint64(key string) (uint64, error) {
	v, ok := s.values[key]
	if !ok {
		return 0, fmt.Errorf("nixl: serde missing key %q", key)
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("nixl: serde key %q is %d bytes, want 8", key, len(v))
	}
	return binary.LittleEndian.Uint64(v), nil
}

// Bytes serialises the accumulated pairs: count (u64) followed by, for each
// pair in insertion order, a u16 key length, the key, a u32 value length,
// and the value.
func (s *SerDes) Bytes() []byte {
	var out []byte
	count := make([]byte, 8)
	binary.LittleEndian.PutUint64(count, uint64(len(s.keys)))
	out = append(out, count...)

	for _, k := range s.keys {
		v := s.values[k]
		klen := make([]byte, 2)
		binary.LittleEndian.PutUint16(klen, uint16(len(k)))
		out = append(out, klen...)
		out = append(out, k...)

		vlen := make([]byte, 4)
		binary.LittleEndian.PutUint32(vlen, uint32(len(v)))
		out = append(out, vlen...)
		out = append(out, v...)
	}
	return out
}

// ParseSerDes decodes a blob produced by Bytes.
func ParseSerDes(buf []byte) (*SerDes, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("nixl: serde blob truncated (need 8 bytes for count)")
	}
	count := binary.LittleEndian.Uint64(buf[:8])
	buf = buf[8:]

	s := NewSerDes()
	for i := uint64(0); i < count; i++ {
		if len(buf) < 2 {
			return nil, fmt.Errorf("nixl: serde blob truncated reading key length for entry %d", i)
		}
		klen := int(binary.LittleEndian.Uint16(buf[:2]))
		buf = buf[2:]
		if len(buf) < klen {
			return nil, fmt.Errorf("nixl: serde blob truncated reading key for entry %d", i)
		}
		key := string(buf[:klen])
		buf = buf[klen:]

		if len(buf) < 4 {
			return nil, fmt.Errorf("nixl: serde blob truncated reading value length for entry %d", i)
		}
		vlen := int(binary.LittleEndian.Uint32(buf[:4]))
		buf = buf[4:]
		if len(buf) < vlen {
			return nil, fmt.Errorf("nixl: serde blob truncated reading value for entry %d", i)
		}
		value := make([]byte, vlen)
		copy(value, buf[:vlen])
		buf = buf[vlen:]

		s.AddBytes(key, value)
	}
	return s, nil
}
