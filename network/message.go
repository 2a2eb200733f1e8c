// Package network provides the binary frame codec shared by every service
package network

import (
	"bytes"
	"encoding/binary"
	"hash/adler32"
	"math"

	"github.com/najoast/abnet/crypt"
)

// Frame layout on the wire. All integers are little-endian.
//
//	+--------+----------------------+------------------------------+
//	| u16 N  | u32 checksum (opt.)  | body (N bytes incl. checksum) |
//	+--------+----------------------+------------------------------+
//
// Outbound buffers reserve InitialBufferPosition bytes in front of the body
// so the length, checksum and encrypted-size fields can be written backwards
// once the body is complete.
const (
	// MaxSize is the capacity of a message buffer
	MaxSize = 15340

	// HeaderLength is the size of the length prefix
	HeaderLength = 2

	// ChecksumLength is the size of the optional checksum
	ChecksumLength = 4

	// XteaMultiple is the block size encrypted bodies are padded to
	XteaMultiple = 8

	// InitialBufferPosition is where the body of an outbound message starts
	InitialBufferPosition = 8

	// MaxBodyLength bounds the write cursor of a message
	MaxBodyLength = MaxSize - HeaderLength - ChecksumLength - XteaMultiple

	// MaxProtocolBodyLength is the body size protocols should stay below so
	// encryption padding and headers always fit
	MaxProtocolBodyLength = MaxBodyLength - 10

	// MaxStringLength is the longest string or byte run a message accepts
	MaxStringLength = 8192

	// paddingByte fills encryption padding
	paddingByte = 0x33
)

var byteOrder = binary.LittleEndian

// Checksum computes the frame checksum over data. An empty body checksums
// to 0, not to the Adler-32 seed.
func Checksum(data []byte) uint32 {
	if len(data) == 0 {
		return 0
	}
	return adler32.Checksum(data)
}

// NetworkMessage is a fixed capacity buffer with a cursor.
//
// Reads past the body return zero values and writes past MaxBodyLength are
// dropped. Neither panics; both set the sticky Overflowed flag so callers that
// care can detect the loss.
type NetworkMessage struct {
	buf        [MaxSize]byte
	start      int
	length     int
	pos        int
	overflowed bool
}

// NewNetworkMessage creates an empty message ready for writing
func NewNetworkMessage() *NetworkMessage {
	m := &NetworkMessage{}
	m.Reset()
	return m
}

// Reset empties the message and positions the cursor at the body start
func (m *NetworkMessage) Reset() {
	m.start = InitialBufferPosition
	m.pos = InitialBufferPosition
	m.length = 0
	m.overflowed = false
}

// Length returns the number of body bytes
func (m *NetworkMessage) Length() int {
	return m.length
}

// Position returns the cursor offset into the buffer
func (m *NetworkMessage) Position() int {
	return m.pos
}

// Remaining returns the number of unread body bytes
func (m *NetworkMessage) Remaining() int {
	return m.start + m.length - m.pos
}

// Overflowed reports whether any read or write was refused since the last Reset
func (m *NetworkMessage) Overflowed() bool {
	return m.overflowed
}

// Buffer returns the whole underlying buffer
func (m *NetworkMessage) Buffer() []byte {
	return m.buf[:]
}

// Body returns the body bytes
func (m *NetworkMessage) Body() []byte {
	return m.buf[m.start : m.start+m.length]
}

// Rewind moves the cursor back to the start of the body
func (m *NetworkMessage) Rewind() {
	m.pos = m.start
}

// Skip moves the cursor by n bytes, clamped to the body
func (m *NetworkMessage) Skip(n int) {
	m.pos += n
	if m.pos < m.start {
		m.pos = m.start
	}
	if end := m.start + m.length; m.pos > end {
		m.pos = end
	}
}

// headerBuffer is the slice the connection reads the length prefix into
func (m *NetworkMessage) headerBuffer() []byte {
	return m.buf[:HeaderLength]
}

// headerSize decodes the declared body length
func (m *NetworkMessage) headerSize() int {
	return int(byteOrder.Uint16(m.buf[:HeaderLength]))
}

// prepareBody lays out an inbound body of n bytes right after the length
// prefix and returns the slice to read it into
func (m *NetworkMessage) prepareBody(n int) []byte {
	m.start = HeaderLength
	m.pos = HeaderLength
	m.length = n
	m.overflowed = false
	return m.buf[HeaderLength : HeaderLength+n]
}

// SetBody replaces the body with data, truncating at MaxBodyLength, and
// rewinds the cursor. Used to feed frames read outside a Connection.
func (m *NetworkMessage) SetBody(data []byte) {
	if len(data) > MaxSize-HeaderLength {
		data = data[:MaxSize-HeaderLength]
		m.overflowed = true
	}
	copy(m.prepareBody(len(data)), data)
}

func (m *NetworkMessage) canAdd(size int) bool {
	if size < 0 || size+m.pos >= MaxBodyLength {
		m.overflowed = true
		return false
	}
	return true
}

func (m *NetworkMessage) canRead(size int) bool {
	if size < 0 || m.pos+size > m.start+m.length {
		m.overflowed = true
		return false
	}
	return true
}

func (m *NetworkMessage) advance(n int) {
	m.pos += n
	if end := m.pos - m.start; end > m.length {
		m.length = end
	}
}

// GetByte reads one byte
func (m *NetworkMessage) GetByte() byte {
	if !m.canRead(1) {
		return 0
	}
	v := m.buf[m.pos]
	m.pos++
	return v
}

// GetBool reads one byte as a boolean
func (m *NetworkMessage) GetBool() bool {
	return m.GetByte() != 0
}

// GetUint16 reads a little-endian uint16
func (m *NetworkMessage) GetUint16() uint16 {
	if !m.canRead(2) {
		return 0
	}
	v := byteOrder.Uint16(m.buf[m.pos:])
	m.pos += 2
	return v
}

// GetUint32 reads a little-endian uint32
func (m *NetworkMessage) GetUint32() uint32 {
	if !m.canRead(4) {
		return 0
	}
	v := byteOrder.Uint32(m.buf[m.pos:])
	m.pos += 4
	return v
}

// GetUint64 reads a little-endian uint64
func (m *NetworkMessage) GetUint64() uint64 {
	if !m.canRead(8) {
		return 0
	}
	v := byteOrder.Uint64(m.buf[m.pos:])
	m.pos += 8
	return v
}

// GetInt16 reads a little-endian int16
func (m *NetworkMessage) GetInt16() int16 { return int16(m.GetUint16()) }

// GetInt32 reads a little-endian int32
func (m *NetworkMessage) GetInt32() int32 { return int32(m.GetUint32()) }

// GetInt64 reads a little-endian int64
func (m *NetworkMessage) GetInt64() int64 { return int64(m.GetUint64()) }

// GetFloat32 reads an IEEE 754 float32
func (m *NetworkMessage) GetFloat32() float32 { return math.Float32frombits(m.GetUint32()) }

// GetFloat64 reads an IEEE 754 float64
func (m *NetworkMessage) GetFloat64() float64 { return math.Float64frombits(m.GetUint64()) }

// PeekUint32 reads a uint32 without moving the cursor
func (m *NetworkMessage) PeekUint32() uint32 {
	if !m.canRead(4) {
		return 0
	}
	return byteOrder.Uint32(m.buf[m.pos:])
}

// GetBytes reads n raw bytes. The result is a copy.
func (m *NetworkMessage) GetBytes(n int) []byte {
	if !m.canRead(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, m.buf[m.pos:m.pos+n])
	m.pos += n
	return out
}

// GetString reads a u16 length-prefixed string. A string running past the
// body is refused and the cursor stays on the prefix.
func (m *NetworkMessage) GetString() string {
	if !m.canRead(2) {
		return ""
	}
	pos := m.pos
	n := int(m.GetUint16())
	if !m.canRead(n) {
		m.pos = pos
		return ""
	}
	return m.GetFixedString(n)
}

// GetFixedString reads a string of exactly n bytes
func (m *NetworkMessage) GetFixedString(n int) string {
	if n == 0 || !m.canRead(n) {
		return ""
	}
	v := string(m.buf[m.pos : m.pos+n])
	m.pos += n
	return v
}

// GetStringEncrypted reads a length-prefixed string encrypted with
// AddStringEncrypted. The zero padding is stripped.
func (m *NetworkMessage) GetStringEncrypted(cipher *crypt.XTEA) string {
	raw := m.GetString()
	if raw == "" {
		return ""
	}
	if len(raw)%XteaMultiple != 0 {
		m.overflowed = true
		return ""
	}
	plain := []byte(raw)
	if err := cipher.DecryptInPlace(plain); err != nil {
		return ""
	}
	if i := bytes.IndexByte(plain, 0); i >= 0 {
		plain = plain[:i]
	}
	return string(plain)
}

// ReadChecksum consumes the checksum field if the next four bytes match the
// checksum of the rest of the body. Otherwise the cursor is left untouched
// and the frame is treated as unchecksummed.
func (m *NetworkMessage) ReadChecksum() bool {
	if m.Remaining() < ChecksumLength {
		return false
	}
	end := m.start + m.length
	expected := Checksum(m.buf[m.pos+ChecksumLength : end])
	received := byteOrder.Uint32(m.buf[m.pos:])
	if received != expected {
		return false
	}
	m.pos += ChecksumLength
	return true
}

// decryptXTEA decrypts the unread bytes in place. The first two plaintext
// bytes hold the real length; the padding after it is cut off.
func (m *NetworkMessage) decryptXTEA(cipher *crypt.XTEA) bool {
	n := m.Remaining()
	if n <= 0 || n%XteaMultiple != 0 {
		return false
	}
	if err := cipher.DecryptInPlace(m.buf[m.pos : m.pos+n]); err != nil {
		return false
	}
	inner := int(byteOrder.Uint16(m.buf[m.pos:]))
	if inner > n-2 {
		return false
	}
	m.pos += 2
	m.length = m.pos - m.start + inner
	return true
}

// AddByte writes one byte
func (m *NetworkMessage) AddByte(v byte) {
	if !m.canAdd(1) {
		return
	}
	m.buf[m.pos] = v
	m.advance(1)
}

// AddBool writes a boolean as one byte
func (m *NetworkMessage) AddBool(v bool) {
	if v {
		m.AddByte(1)
		return
	}
	m.AddByte(0)
}

// AddUint16 writes a little-endian uint16
func (m *NetworkMessage) AddUint16(v uint16) {
	if !m.canAdd(2) {
		return
	}
	byteOrder.PutUint16(m.buf[m.pos:], v)
	m.advance(2)
}

// AddUint32 writes a little-endian uint32
func (m *NetworkMessage) AddUint32(v uint32) {
	if !m.canAdd(4) {
		return
	}
	byteOrder.PutUint32(m.buf[m.pos:], v)
	m.advance(4)
}

// AddUint64 writes a little-endian uint64
func (m *NetworkMessage) AddUint64(v uint64) {
	if !m.canAdd(8) {
		return
	}
	byteOrder.PutUint64(m.buf[m.pos:], v)
	m.advance(8)
}

// AddInt16 writes a little-endian int16
func (m *NetworkMessage) AddInt16(v int16) { m.AddUint16(uint16(v)) }

// AddInt32 writes a little-endian int32
func (m *NetworkMessage) AddInt32(v int32) { m.AddUint32(uint32(v)) }

// AddInt64 writes a little-endian int64
func (m *NetworkMessage) AddInt64(v int64) { m.AddUint64(uint64(v)) }

// AddFloat32 writes an IEEE 754 float32
func (m *NetworkMessage) AddFloat32(v float32) { m.AddUint32(math.Float32bits(v)) }

// AddFloat64 writes an IEEE 754 float64
func (m *NetworkMessage) AddFloat64(v float64) { m.AddUint64(math.Float64bits(v)) }

// AddBytes writes raw bytes without a length prefix
func (m *NetworkMessage) AddBytes(data []byte) {
	if len(data) > MaxStringLength || !m.canAdd(len(data)) {
		m.overflowed = true
		return
	}
	copy(m.buf[m.pos:], data)
	m.advance(len(data))
}

// AddString writes a u16 length prefix followed by the raw bytes of s
func (m *NetworkMessage) AddString(s string) {
	if len(s) > MaxStringLength || !m.canAdd(len(s)+2) {
		m.overflowed = true
		return
	}
	m.AddUint16(uint16(len(s)))
	copy(m.buf[m.pos:], s)
	m.advance(len(s))
}

// AddStringEncrypted zero-pads s to a multiple of eight bytes, encrypts it
// and writes it as a length-prefixed string
func (m *NetworkMessage) AddStringEncrypted(cipher *crypt.XTEA, s string) {
	if s == "" {
		m.AddString(s)
		return
	}
	if crypt.PaddedLen(len(s)) > MaxStringLength {
		m.overflowed = true
		return
	}
	m.AddString(string(cipher.Encrypt([]byte(s))))
}

// AddPaddingBytes writes n padding bytes
func (m *NetworkMessage) AddPaddingBytes(n int) {
	if !m.canAdd(n) {
		return
	}
	for i := 0; i < n; i++ {
		m.buf[m.pos+i] = paddingByte
	}
	m.advance(n)
}
