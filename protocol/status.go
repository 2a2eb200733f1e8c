package protocol

import (
	"sync"
	"time"

	"github.com/najoast/abnet/network"
)

const (
	// StatusIdentifier selects the status service
	StatusIdentifier byte = 0xFF

	// StatusRequestInfo asks for the server summary
	StatusRequestInfo byte = 0x01

	// StatusReplyInfo prefixes the summary reply
	StatusReplyInfo byte = 0x10
)

// ConnectionCounter reports live connections
type ConnectionCounter interface {
	Count() int
}

// StatusInfo is what the status service reports
type StatusInfo struct {
	Name        string
	Version     string
	Started     time.Time
	Connections ConnectionCounter

	// MinInterval throttles requests per remote address. Zero disables it.
	MinInterval time.Duration
}

// StatusReply is the decoded summary
type StatusReply struct {
	Name        string
	Version     string
	Uptime      time.Duration
	Connections uint32
}

// statusLimiter remembers the last request time per address
type statusLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func (l *statusLimiter) allow(ip string, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[ip]; ok && now.Sub(last) < interval {
		return false
	}
	l.last[ip] = now

	// Forget stale entries so the map stays small
	for addr, t := range l.last {
		if now.Sub(t) >= interval {
			delete(l.last, addr)
		}
	}
	l.last[ip] = now
	return true
}

// NewStatusService returns the checksummed one-shot status service
func NewStatusService(info StatusInfo) *network.Service {
	limiter := &statusLimiter{last: make(map[string]time.Time), now: time.Now}
	return &network.Service{
		Name:        "status",
		Identifier:  StatusIdentifier,
		Checksummed: true,
		NewProtocol: func(conn *network.Connection) network.Protocol {
			return newStatus(conn, info, limiter)
		},
	}
}

// Status answers one summary request and then closes the connection
type Status struct {
	*network.ProtocolBase
	info    StatusInfo
	limiter *statusLimiter
}

func newStatus(conn *network.Connection, info StatusInfo, limiter *statusLimiter) *Status {
	p := &Status{
		ProtocolBase: network.NewProtocolBase(conn),
		info:         info,
		limiter:      limiter,
	}
	p.EnableChecksum()
	return p
}

// OnRecvFirstMessage handles the request
func (p *Status) OnRecvFirstMessage(msg *network.NetworkMessage) {
	defer p.Disconnect()

	if msg.GetByte() != StatusRequestInfo || msg.Overflowed() {
		return
	}
	if !p.limiter.allow(p.RemoteIP(), p.info.MinInterval) {
		return
	}

	out := p.NewOutput()
	out.AddByte(StatusReplyInfo)
	out.AddString(p.info.Name)
	out.AddString(p.info.Version)
	out.AddUint64(uint64(time.Since(p.info.Started) / time.Second))
	count := 0
	if p.info.Connections != nil {
		count = p.info.Connections.Count()
	}
	out.AddUint32(uint32(count))
	p.Send(out)
}

// OnRecvMessage is never expected; the connection is already closing
func (p *Status) OnRecvMessage(msg *network.NetworkMessage) {
	p.Disconnect()
}

// ParseStatusReply decodes a summary frame
func ParseStatusReply(msg *network.NetworkMessage) (StatusReply, bool) {
	if msg.GetByte() != StatusReplyInfo {
		return StatusReply{}, false
	}
	reply := StatusReply{
		Name:    msg.GetString(),
		Version: msg.GetString(),
	}
	reply.Uptime = time.Duration(msg.GetUint64()) * time.Second
	reply.Connections = msg.GetUint32()
	return reply, !msg.Overflowed()
}
