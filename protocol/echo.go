package protocol

import (
	"github.com/rs/zerolog"

	"github.com/najoast/abnet/crypt"
	"github.com/najoast/abnet/network"
)

const (
	// EchoIdentifier selects the echo service
	EchoIdentifier byte = 0x01

	// EchoQuit closes the connection after the queued output is written
	EchoQuit byte = 0x14
)

// Executor runs business work off the read goroutine
type Executor interface {
	AddExpiring(fn func()) error
}

// EchoConfig configures the echo service
type EchoConfig struct {
	// Checksum adds a checksum to every reply
	Checksum bool

	// Cipher encrypts replies and decrypts every frame after the first
	Cipher *crypt.XTEA

	// Executor handles requests when set, otherwise they run inline
	Executor Executor

	// Buffered replies are batched and flushed by the pool's auto-send
	Buffered bool

	Logger zerolog.Logger
}

// NewEchoService returns the echo service
func NewEchoService(cfg EchoConfig) *network.Service {
	return &network.Service{
		Name:       "echo",
		Identifier: EchoIdentifier,
		NewProtocol: func(conn *network.Connection) network.Protocol {
			return newEcho(conn, cfg)
		},
	}
}

// Echo replies to each frame with its opcode and payload
type Echo struct {
	*network.ProtocolBase
	cfg EchoConfig
}

func newEcho(conn *network.Connection, cfg EchoConfig) *Echo {
	p := &Echo{
		ProtocolBase: network.NewProtocolBase(conn),
		cfg:          cfg,
	}
	if cfg.Checksum {
		p.EnableChecksum()
	}
	if cfg.Cipher != nil {
		p.EnableEncryption(cfg.Cipher)
	}
	return p
}

// OnRecvFirstMessage handles the request carried by the first frame
func (p *Echo) OnRecvFirstMessage(msg *network.NetworkMessage) {
	p.handle(msg)
}

// OnRecvMessage decrypts the frame if needed and handles it
func (p *Echo) OnRecvMessage(msg *network.NetworkMessage) {
	if p.cfg.Cipher != nil && !p.DecryptXTEA(msg) {
		p.cfg.Logger.Debug().Str("remote", p.RemoteIP()).Msg("undecryptable echo frame")
		p.Disconnect()
		return
	}
	p.handle(msg)
}

func (p *Echo) handle(msg *network.NetworkMessage) {
	if msg.Remaining() == 0 {
		return
	}
	opcode := msg.GetByte()
	payload := msg.GetBytes(msg.Remaining())

	// The message buffer is reused by the next read, so only copies cross
	// into the executor
	work := func() { p.reply(opcode, payload) }
	if p.cfg.Executor == nil {
		work()
		return
	}
	if err := p.cfg.Executor.AddExpiring(work); err != nil {
		work()
	}
}

func (p *Echo) reply(opcode byte, payload []byte) {
	if opcode == EchoQuit {
		p.FlushOutput()
		p.Disconnect()
		return
	}

	if p.cfg.Buffered {
		p.BufferOutput(func(out *network.OutputMessage) {
			out.AddByte(opcode)
			out.AddBytes(payload)
		})
		return
	}

	out := p.NewOutput()
	out.AddByte(opcode)
	out.AddBytes(payload)
	p.Send(out)
}
