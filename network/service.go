package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Service describes a protocol that can be served on a port
type Service struct {
	// Name is used in logs and port listings
	Name string

	// Identifier is the first body byte of a connection's first frame
	Identifier byte

	// Checksummed services only match frames that carried a valid checksum
	Checksummed bool

	// SingleSocket services own their port and speak first: the protocol is
	// created on accept instead of from the first frame
	SingleSocket bool

	// NewProtocol creates the protocol instance for a connection
	NewProtocol func(conn *Connection) Protocol
}

// AcceptFilter decides whether a connection from ip is accepted
type AcceptFilter func(ip string) bool

// ServicePort is one listening address shared by one or more services
type ServicePort struct {
	manager *ConnectionManager
	logger  zerolog.Logger

	mu            sync.RWMutex
	services      []*Service
	listener      net.Listener
	acceptFilter  AcceptFilter
	proxyProtocol bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServicePort creates a closed port whose connections are owned by manager
func NewServicePort(manager *ConnectionManager, logger zerolog.Logger) *ServicePort {
	return &ServicePort{
		manager: manager,
		logger:  logger,
	}
}

// AddService registers svc. A single-socket service can only be added to an
// empty port, and nothing can be added next to one.
func (sp *ServicePort) AddService(svc *Service) error {
	if svc == nil || svc.NewProtocol == nil {
		return fmt.Errorf("service %v: missing protocol constructor", svc)
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	for _, existing := range sp.services {
		if existing.SingleSocket {
			return fmt.Errorf("add service %q: %w", svc.Name, ErrSingleSocketPort)
		}
	}
	if svc.SingleSocket && len(sp.services) > 0 {
		return fmt.Errorf("add service %q: %w", svc.Name, ErrSingleSocketPort)
	}

	sp.services = append(sp.services, svc)
	return nil
}

// Services returns the registered services in registration order
func (sp *ServicePort) Services() []*Service {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return append([]*Service(nil), sp.services...)
}

// SetAcceptFilter installs a filter consulted for every accepted socket
func (sp *ServicePort) SetAcceptFilter(filter AcceptFilter) {
	sp.mu.Lock()
	sp.acceptFilter = filter
	sp.mu.Unlock()
}

// SetProxyProtocol makes the port expect a PROXY protocol header on every
// connection. Takes effect on the next Open.
func (sp *ServicePort) SetProxyProtocol(enabled bool) {
	sp.mu.Lock()
	sp.proxyProtocol = enabled
	sp.mu.Unlock()
}

// MakeProtocol reads the service identifier from msg and creates the
// protocol of the first matching service, or returns nil
func (sp *ServicePort) MakeProtocol(checksummed bool, msg *NetworkMessage, conn *Connection) Protocol {
	id := msg.GetByte()
	if msg.Overflowed() {
		return nil
	}

	sp.mu.RLock()
	defer sp.mu.RUnlock()

	for _, svc := range sp.services {
		if svc.Identifier == id && (!svc.Checksummed || checksummed) {
			return svc.NewProtocol(conn)
		}
	}
	return nil
}

func (sp *ServicePort) singleSocketService() *Service {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	if len(sp.services) == 1 && sp.services[0].SingleSocket {
		return sp.services[0]
	}
	return nil
}

// Open binds ip:port and starts accepting. Port 0 picks a free port.
func (sp *ServicePort) Open(ip string, port int) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.listener != nil {
		return fmt.Errorf("open %s: %w", joinHostPort(ip, port), ErrPortInUse)
	}
	if len(sp.services) == 0 {
		return fmt.Errorf("open %s: %w", joinHostPort(ip, port), ErrNoServices)
	}

	address := joinHostPort(ip, port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("listen on %s: %w", address, ErrPortInUse)
		}
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	if sp.proxyProtocol {
		listener = &proxyproto.Listener{Listener: listener}
	}

	sp.listener = listener
	sp.ctx, sp.cancel = context.WithCancel(context.Background())
	sp.wg.Add(1)
	go sp.acceptLoop(sp.ctx, listener)

	sp.logger.Info().Str("address", listener.Addr().String()).Int("services", len(sp.services)).Msg("service port open")
	return nil
}

// Addr returns the bound address, or nil when closed
func (sp *ServicePort) Addr() net.Addr {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	if sp.listener == nil {
		return nil
	}
	return sp.listener.Addr()
}

// IsOpen reports whether the port is listening
func (sp *ServicePort) IsOpen() bool {
	return sp.Addr() != nil
}

// Close stops accepting. Live connections are left to the connection manager.
func (sp *ServicePort) Close() {
	sp.mu.Lock()
	listener := sp.listener
	cancel := sp.cancel
	sp.listener = nil
	sp.mu.Unlock()

	if listener == nil {
		return
	}
	cancel()
	listener.Close()
	sp.wg.Wait()

	sp.logger.Info().Str("address", listener.Addr().String()).Msg("service port closed")
}

func (sp *ServicePort) acceptLoop(ctx context.Context, listener net.Listener) {
	defer sp.wg.Done()

	for {
		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			sp.logger.Warn().Err(err).Msg("accept failed")
			time.Sleep(5 * time.Millisecond)
			continue
		}

		sp.wg.Add(1)
		go sp.handleAccept(nc)
	}
}

func (sp *ServicePort) handleAccept(nc net.Conn) {
	defer sp.wg.Done()

	ip := hostOf(nc.RemoteAddr())

	sp.mu.RLock()
	filter := sp.acceptFilter
	sp.mu.RUnlock()

	if filter != nil && !filter(ip) {
		sp.logger.Debug().Str("remote", ip).Msg("connection refused by accept filter")
		nc.Close()
		return
	}

	conn, err := sp.manager.CreateConnection(nc, sp)
	if err != nil {
		sp.logger.Warn().Err(err).Str("remote", ip).Msg("connection refused")
		nc.Close()
		return
	}

	var protocol Protocol
	if svc := sp.singleSocketService(); svc != nil {
		protocol = svc.NewProtocol(conn)
	}
	conn.Accept(protocol)
}

func joinHostPort(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// PortInfo describes a port registered with the service manager
type PortInfo struct {
	IP       string   `json:"ip"`
	Port     int      `json:"port"`
	Addr     string   `json:"addr"`
	Services []string `json:"services"`
}

type portKey struct {
	ip   string
	port int
}

// ServiceManager owns every service port and opens or closes them together
type ServiceManager struct {
	manager *ConnectionManager
	logger  zerolog.Logger

	mu            sync.Mutex
	ports         map[portKey]*ServicePort
	order         []portKey
	running       bool
	acceptFilter  AcceptFilter
	proxyProtocol bool
}

// NewServiceManager creates an empty service manager
func NewServiceManager(manager *ConnectionManager, logger zerolog.Logger) *ServiceManager {
	return &ServiceManager{
		manager: manager,
		logger:  logger.With().Str("component", "services").Logger(),
		ports:   make(map[portKey]*ServicePort),
	}
}

// SetAcceptFilter installs filter on every port
func (sm *ServiceManager) SetAcceptFilter(filter AcceptFilter) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.acceptFilter = filter
	for _, sp := range sm.ports {
		sp.SetAcceptFilter(filter)
	}
}

// SetProxyProtocol enables PROXY protocol headers on every port
func (sm *ServiceManager) SetProxyProtocol(enabled bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.proxyProtocol = enabled
	for _, sp := range sm.ports {
		sp.SetProxyProtocol(enabled)
	}
}

// Add registers svc on ip:port, creating the port on first use
func (sm *ServiceManager) Add(ip string, port int, svc *Service) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.running {
		return ErrServiceManagerRunning
	}

	key := portKey{ip: ip, port: port}
	sp, ok := sm.ports[key]
	if !ok {
		sp = NewServicePort(sm.manager, sm.logger.With().Str("port", joinHostPort(ip, port)).Logger())
		sp.SetAcceptFilter(sm.acceptFilter)
		sp.SetProxyProtocol(sm.proxyProtocol)
	}
	if err := sp.AddService(svc); err != nil {
		return err
	}
	if !ok {
		sm.ports[key] = sp
		sm.order = append(sm.order, key)
	}
	return nil
}

// Port returns the service port registered for ip:port
func (sm *ServiceManager) Port(ip string, port int) (*ServicePort, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sp, ok := sm.ports[portKey{ip: ip, port: port}]
	return sp, ok
}

// Start opens every port. If any port fails all of them are closed again.
func (sm *ServiceManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.running {
		return ErrServiceManagerRunning
	}
	if len(sm.ports) == 0 {
		return ErrNoServices
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, key := range sm.order {
		sp := sm.ports[key]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return sp.Open(key.ip, key.port)
		})
	}
	if err := g.Wait(); err != nil {
		for _, sp := range sm.ports {
			sp.Close()
		}
		return fmt.Errorf("start services: %w", err)
	}

	sm.running = true
	return nil
}

// Stop closes every port
func (sm *ServiceManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.running {
		return
	}
	for _, key := range sm.order {
		sm.ports[key].Close()
	}
	sm.running = false
}

// IsRunning reports whether the ports are open
func (sm *ServiceManager) IsRunning() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.running
}

// Ports lists the registered ports in registration order
func (sm *ServiceManager) Ports() []PortInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	infos := make([]PortInfo, 0, len(sm.order))
	for _, key := range sm.order {
		sp := sm.ports[key]
		info := PortInfo{IP: key.ip, Port: key.port}
		if addr := sp.Addr(); addr != nil {
			info.Addr = addr.String()
		}
		for _, svc := range sp.Services() {
			info.Services = append(info.Services, svc.Name)
		}
		infos = append(infos, info)
	}
	return infos
}

// FreePort asks the OS for a port that is currently unused on ip
func (sm *ServiceManager) FreePort(ip string) (int, error) {
	listener, err := net.Listen("tcp", joinHostPort(ip, 0))
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
