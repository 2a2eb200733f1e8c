package network

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/abnet/crypt"
)

// OutputMessage is a pooled, reference counted outbound message. The frame
// header is written backwards into the bytes reserved in front of the body.
type OutputMessage struct {
	NetworkMessage

	headerPos int
	sealed    bool
	refs      atomic.Int32
	pool      *OutputMessagePool
}

// NewOutputMessage creates an unpooled output message
func NewOutputMessage() *OutputMessage {
	m := &OutputMessage{}
	m.reset()
	m.refs.Store(1)
	return m
}

func (m *OutputMessage) reset() {
	m.NetworkMessage.Reset()
	m.headerPos = InitialBufferPosition
	m.sealed = false
}

// Sealed reports whether the frame header has been written
func (m *OutputMessage) Sealed() bool {
	return m.sealed
}

// Frame returns the bytes to put on the wire
func (m *OutputMessage) Frame() []byte {
	return m.buf[m.headerPos : m.start+m.length]
}

func (m *OutputMessage) addHeaderUint16(v uint16) bool {
	if m.headerPos < 2 {
		return false
	}
	m.headerPos -= 2
	byteOrder.PutUint16(m.buf[m.headerPos:], v)
	return true
}

func (m *OutputMessage) addHeaderUint32(v uint32) bool {
	if m.headerPos < 4 {
		return false
	}
	m.headerPos -= 4
	byteOrder.PutUint32(m.buf[m.headerPos:], v)
	return true
}

func (m *OutputMessage) end() int {
	return m.start + m.length
}

// WriteMessageLength seals the frame with only the length prefix
func (m *OutputMessage) WriteMessageLength() {
	if m.sealed {
		return
	}
	m.sealed = m.addHeaderUint16(uint16(m.end() - m.headerPos))
}

// AddCryptoHeader seals the frame with an optional checksum and the length prefix
func (m *OutputMessage) AddCryptoHeader(checksum bool) {
	if m.sealed {
		return
	}
	if checksum && !m.addHeaderUint32(Checksum(m.buf[m.headerPos:m.end()])) {
		return
	}
	m.sealed = m.addHeaderUint16(uint16(m.end() - m.headerPos))
}

// EncryptXTEA prepends the plaintext length, pads to the cipher block size
// and encrypts in place. It must run before AddCryptoHeader and returns
// false when the message has no room left for the padding.
func (m *OutputMessage) EncryptXTEA(cipher *crypt.XTEA) bool {
	if m.sealed || m.headerPos != m.start {
		return false
	}
	inner := m.length
	if !m.addHeaderUint16(uint16(inner)) {
		return false
	}

	m.pos = m.end()
	n := m.end() - m.headerPos
	if pad := crypt.PaddedLen(n) - n; pad > 0 {
		m.AddPaddingBytes(pad)
		if m.end()-m.headerPos != crypt.PaddedLen(n) {
			m.headerPos += 2
			return false
		}
	}

	if err := cipher.EncryptInPlace(m.buf[m.headerPos:m.end()]); err != nil {
		return false
	}
	return true
}

// Retain adds a reference
func (m *OutputMessage) Retain() {
	m.refs.Add(1)
}

// Release drops a reference and returns the message to its pool when the
// last one is gone
func (m *OutputMessage) Release() {
	if m.refs.Add(-1) != 0 {
		return
	}
	if m.pool != nil {
		m.pool.put(m)
	}
}

// AutoSender is implemented by protocols that buffer output between flushes
type AutoSender interface {
	FlushOutput()
}

// TimerService schedules delayed work
type TimerService interface {
	Add(delay time.Duration, fn func()) uint32
	StopEvent(eventID uint32) bool
}

// OutputMessagePool recycles output messages and periodically flushes the
// buffered output of registered protocols
type OutputMessagePool struct {
	pool sync.Pool

	mu       sync.Mutex
	autoSend map[AutoSender]struct{}
	timers   TimerService
	interval time.Duration
	eventID  uint32
}

// NewOutputMessagePool creates an empty pool
func NewOutputMessagePool() *OutputMessagePool {
	p := &OutputMessagePool{
		autoSend: make(map[AutoSender]struct{}),
	}
	p.pool.New = func() any {
		return &OutputMessage{pool: p}
	}
	return p
}

// Get returns a reset message holding one reference
func (p *OutputMessagePool) Get() *OutputMessage {
	m := p.pool.Get().(*OutputMessage)
	m.reset()
	m.refs.Store(1)
	return m
}

func (p *OutputMessagePool) put(m *OutputMessage) {
	p.pool.Put(m)
}

// AddToAutoSend registers s for periodic flushing
func (p *OutputMessagePool) AddToAutoSend(s AutoSender) {
	p.mu.Lock()
	p.autoSend[s] = struct{}{}
	p.mu.Unlock()
}

// RemoveFromAutoSend unregisters s
func (p *OutputMessagePool) RemoveFromAutoSend(s AutoSender) {
	p.mu.Lock()
	delete(p.autoSend, s)
	p.mu.Unlock()
}

// AutoSendCount returns the number of registered senders
func (p *OutputMessagePool) AutoSendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.autoSend)
}

// StartAutoSend flushes every registered sender each interval using timers
func (p *OutputMessagePool) StartAutoSend(timers TimerService, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timers != nil || interval <= 0 {
		return
	}
	p.timers = timers
	p.interval = interval
	p.eventID = timers.Add(interval, p.flushAll)
}

// StopAutoSend cancels the periodic flush
func (p *OutputMessagePool) StopAutoSend() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timers == nil {
		return
	}
	p.timers.StopEvent(p.eventID)
	p.timers = nil
	p.eventID = 0
}

func (p *OutputMessagePool) flushAll() {
	p.mu.Lock()
	senders := make([]AutoSender, 0, len(p.autoSend))
	for s := range p.autoSend {
		senders = append(senders, s)
	}
	p.mu.Unlock()

	for _, s := range senders {
		s.FlushOutput()
	}

	p.mu.Lock()
	if p.timers != nil {
		p.eventID = p.timers.Add(p.interval, p.flushAll)
	}
	p.mu.Unlock()
}
