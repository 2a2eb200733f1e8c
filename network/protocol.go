package network

import (
	"sync"
	"weak"

	"github.com/najoast/abnet/crypt"
)

// Protocol is implemented by every business service. A Protocol instance
// belongs to exactly one Connection. The connection calls it from its read
// goroutine; Release and OnConnect run on the dispatcher.
type Protocol interface {
	// OnConnect is called for protocols resolved at accept time
	OnConnect()

	// OnRecvFirstMessage receives the first frame, positioned after the
	// service identifier byte
	OnRecvFirstMessage(msg *NetworkMessage)

	// OnRecvMessage receives every following frame
	OnRecvMessage(msg *NetworkMessage)

	// OnSendMessage seals an outbound frame before it is queued
	OnSendMessage(msg *OutputMessage)

	// Release is called once when the connection closes
	Release()
}

// ProtocolBase implements the plumbing shared by protocols: a weak handle
// to the owning connection, checksum and encryption negotiation, and
// buffered output flushed by the pool's auto-send.
//
// Concrete protocols embed *ProtocolBase and implement OnRecvFirstMessage
// and OnRecvMessage.
type ProtocolBase struct {
	conn weak.Pointer[Connection]
	pool *OutputMessagePool

	mu                sync.Mutex
	checksumEnabled   bool
	encryptionEnabled bool
	cipher            *crypt.XTEA
	output            *OutputMessage
}

// NewProtocolBase creates the base for a protocol owned by conn
func NewProtocolBase(conn *Connection) *ProtocolBase {
	p := &ProtocolBase{}
	if conn != nil {
		p.conn = weak.Make(conn)
		p.pool = conn.pool
	}
	if p.pool == nil {
		p.pool = NewOutputMessagePool()
	}
	return p
}

// Connection returns the owning connection, or ErrConnectionGone once it
// has been collected or closed
func (p *ProtocolBase) Connection() (*Connection, error) {
	c := p.conn.Value()
	if c == nil || c.State() == ConnectionStateClosed {
		return nil, ErrConnectionGone
	}
	return c, nil
}

// EnableChecksum makes outbound frames carry a checksum
func (p *ProtocolBase) EnableChecksum() {
	p.mu.Lock()
	p.checksumEnabled = true
	p.mu.Unlock()
}

// ChecksumEnabled reports whether outbound frames carry a checksum
func (p *ProtocolBase) ChecksumEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checksumEnabled
}

// EnableEncryption encrypts outbound frames and allows DecryptXTEA with cipher
func (p *ProtocolBase) EnableEncryption(cipher *crypt.XTEA) {
	p.mu.Lock()
	p.cipher = cipher
	p.encryptionEnabled = cipher != nil
	p.mu.Unlock()
}

// EncryptionEnabled reports whether outbound frames are encrypted
func (p *ProtocolBase) EncryptionEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encryptionEnabled
}

// NewOutput returns an empty message from the connection's pool
func (p *ProtocolBase) NewOutput() *OutputMessage {
	return p.pool.Get()
}

// Send queues msg on the owning connection. The reference held by the
// caller is passed on in every case.
func (p *ProtocolBase) Send(msg *OutputMessage) error {
	c, err := p.Connection()
	if err != nil {
		msg.Release()
		return err
	}
	if !c.Send(msg) {
		return ErrConnectionGone
	}
	return nil
}

// BufferOutput lets fn append to the pending buffered message, creating it
// if needed. The message is sent by FlushOutput or the pool's auto-send.
func (p *ProtocolBase) BufferOutput(fn func(out *OutputMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.output == nil {
		p.output = p.pool.Get()
		p.pool.AddToAutoSend(p)
	}
	fn(p.output)
}

// FlushOutput sends the pending buffered message, if any
func (p *ProtocolBase) FlushOutput() {
	p.mu.Lock()
	out := p.output
	p.output = nil
	p.mu.Unlock()

	if out == nil {
		return
	}
	p.pool.RemoveFromAutoSend(p)
	if out.Length() == 0 {
		out.Release()
		return
	}
	p.Send(out)
}

// Disconnect closes the connection once its queued output is written
func (p *ProtocolBase) Disconnect() {
	if c, err := p.Connection(); err == nil {
		c.Close(false)
	}
}

// RemoteIP returns the peer address of the owning connection
func (p *ProtocolBase) RemoteIP() string {
	c, err := p.Connection()
	if err != nil {
		return ""
	}
	return c.RemoteIP()
}

// DecryptXTEA decrypts the rest of msg in place and trims it to the
// plaintext length carried in the encrypted block
func (p *ProtocolBase) DecryptXTEA(msg *NetworkMessage) bool {
	p.mu.Lock()
	cipher := p.cipher
	p.mu.Unlock()

	if cipher == nil {
		return false
	}
	return msg.decryptXTEA(cipher)
}

// OnSendMessage encrypts msg when encryption is enabled, then adds the
// checksum and length header
func (p *ProtocolBase) OnSendMessage(msg *OutputMessage) {
	p.mu.Lock()
	checksum, cipher := p.checksumEnabled, p.cipher
	encrypt := p.encryptionEnabled
	p.mu.Unlock()

	if encrypt && !msg.EncryptXTEA(cipher) {
		return
	}
	msg.AddCryptoHeader(checksum)
}

// OnConnect does nothing
func (p *ProtocolBase) OnConnect() {}

// Release drops buffered output
func (p *ProtocolBase) Release() {
	p.mu.Lock()
	out := p.output
	p.output = nil
	p.mu.Unlock()

	p.pool.RemoveFromAutoSend(p)
	if out != nil {
		out.Release()
	}
}
