package swarm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	pionice "github.com/pion/ice/v2"
	"github.com/pion/stun"
	"github.com/quic-go/quic-go"
)

// DefaultStunServers is the STUN list used when none are configured.
var DefaultStunServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

const (
	stunTimeout = 500 * time.Millisecond

	socketBuffer    = 8 * 1024 * 1024
	minSocketBuffer = 256 * 1024
)

// Prober owns the UDP socket shared by STUN, hole punching and QUIC.
type Prober struct {
	logger      *slog.Logger
	udpConn     *net.UDPConn
	transport   *quic.Transport
	publicAddrs []*net.UDPAddr
	dualStack   bool
}

// NewProber opens the shared socket and, unless stunServers is nil, resolves
// the public address before QUIC takes over the socket.
func NewProber(stunServers []string, logger *slog.Logger) (*Prober, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dualStack := true
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		dualStack = false
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if err := tuneSocket(conn, socketBuffer); err != nil {
		logger.Debug("udp buffer tuning denied", "error", err)
	}

	p := &Prober{
		logger:    logger,
		udpConn:   conn,
		dualStack: dualStack,
	}
	if stunServers != nil {
		if len(stunServers) == 0 {
			stunServers = DefaultStunServers
		}
		if err := p.resolvePublicAddr(stunServers); err != nil {
			logger.Warn("failed to resolve public address (STUN)", "error", err)
		}
	}
	p.transport = &quic.Transport{Conn: conn}
	return p, nil
}

// LocalAddr returns the local address of the shared socket.
func (p *Prober) LocalAddr() net.Addr {
	return p.udpConn.LocalAddr()
}

// Transport returns the QUIC transport used for both listening and dialing.
func (p *Prober) Transport() *quic.Transport {
	return p.transport
}

// Close closes the transport and the socket.
func (p *Prober) Close() error {
	err := p.transport.Close()
	if cerr := p.udpConn.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

// Candidates returns the local and public addresses a peer may reach us on.
func (p *Prober) Candidates() []string {
	_, port, _ := net.SplitHostPort(p.udpConn.LocalAddr().String())
	var candidates []string

	ifaces, err := net.Interfaces()
	if err != nil {
		p.logger.Error("failed to list interfaces", "error", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsMulticast() || ip.IsUnspecified() {
				continue
			}
			if !p.supports(networkTypeForIP(ip)) {
				continue
			}
			host := ip.String()
			if ip.IsLinkLocalUnicast() {
				if ip.To4() != nil {
					continue
				}
				host = (&net.IPAddr{IP: ip, Zone: iface.Name}).String()
			}
			candidates = append(candidates, net.JoinHostPort(host, port))
		}
	}
	for _, addr := range p.publicAddrs {
		candidates = append(candidates, addr.String())
	}

	p.logger.Debug("gathered candidates", "count", len(candidates), "candidates", candidates)
	return candidates
}

// FilterCandidates drops entries that do not parse or that this socket cannot reach.
func (p *Prober) FilterCandidates(candidates []string) []*net.UDPAddr {
	seen := make(map[string]bool)
	var out []*net.UDPAddr
	for _, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true
		addr, err := net.ResolveUDPAddr("udp", c)
		if err != nil {
			p.logger.Debug("invalid remote candidate", "addr", c, "error", err)
			continue
		}
		if !p.supports(networkTypeForIP(addr.IP)) {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (p *Prober) supports(nt pionice.NetworkType) bool {
	return nt == pionice.NetworkTypeUDP4 || p.dualStack
}

func networkTypeForIP(ip net.IP) pionice.NetworkType {
	if ip.To4() == nil {
		return pionice.NetworkTypeUDP6
	}
	return pionice.NetworkTypeUDP4
}

// Punch sends a few throwaway datagrams to each candidate so our NAT admits
// the remote's QUIC handshake.
func (p *Prober) Punch(candidates []*net.UDPAddr) {
	for _, addr := range candidates {
		if _, err := p.transport.WriteTo([]byte{0}, addr); err != nil {
			p.logger.Debug("punch failed", "addr", addr, "error", err)
		}
	}
}

// ProbeAndDial dials every candidate concurrently and returns the first QUIC
// connection that completes its handshake.
func (p *Prober) ProbeAndDial(ctx context.Context, candidates []*net.UDPAddr, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if len(candidates) == 0 {
		return nil, errors.New("no usable candidates")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan *quic.Conn, 1)
	var wg sync.WaitGroup
	for _, addr := range candidates {
		wg.Add(1)
		go func(addr *net.UDPAddr) {
			defer wg.Done()
			conn, err := p.transport.Dial(ctx, addr, tlsConf, quicConf)
			if err != nil {
				p.logger.Debug("probe failed", "addr", addr, "error", err)
				return
			}
			select {
			case resultCh <- conn:
				p.logger.Info("probe won", "addr", addr)
			default:
				conn.CloseWithError(0, "race_lost")
			}
		}(addr)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case conn := <-resultCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-allDone:
		select {
		case conn := <-resultCh:
			return conn, nil
		default:
		}
		return nil, errors.New("all probes failed")
	}
}

func (p *Prober) resolvePublicAddr(servers []string) error {
	seen := make(map[string]bool)
	for _, server := range servers {
		serverAddrs, err := resolveStunAddrs(strings.TrimPrefix(server, "stun:"))
		if err != nil {
			p.logger.Warn("invalid STUN server", "server", server, "error", err)
			continue
		}
		for _, serverAddr := range serverAddrs {
			if !p.supports(networkTypeForIP(serverAddr.IP)) {
				continue
			}
			mapped, err := p.stunBinding(serverAddr)
			if err != nil {
				p.logger.Debug("STUN binding failed", "server", serverAddr, "error", err)
				continue
			}
			if key := mapped.String(); !seen[key] {
				seen[key] = true
				p.publicAddrs = append(p.publicAddrs, mapped)
				p.logger.Info("public address resolved", "addr", mapped)
			}
		}
	}
	if len(p.publicAddrs) == 0 {
		return errors.New("all STUN servers failed")
	}
	return nil
}

func (p *Prober) stunBinding(server *net.UDPAddr) (*net.UDPAddr, error) {
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := p.udpConn.WriteToUDP(req.Raw, server); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	deadline := time.Now().Add(stunTimeout)
	p.udpConn.SetReadDeadline(deadline)
	defer p.udpConn.SetReadDeadline(time.Time{})
	for {
		n, _, err := p.udpConn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil || res.TransactionID != req.TransactionID {
			continue
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res); err == nil {
			return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
		}
		var mappedAddr stun.MappedAddress
		if err := mappedAddr.GetFrom(res); err != nil {
			return nil, err
		}
		return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}
}

// tuneSocket raises the socket buffers so QUIC is not starved on fast links.
// The kernel may cap the request; that is not an error.
func tuneSocket(conn *net.UDPConn, size int) error {
	size = max(size, minSocketBuffer)
	var errs []error
	if err := conn.SetReadBuffer(size); err != nil {
		errs = append(errs, fmt.Errorf("read buffer: %w", err))
	}
	if err := conn.SetWriteBuffer(size); err != nil {
		errs = append(errs, fmt.Errorf("write buffer: %w", err))
	}
	return errors.Join(errs...)
}

func resolveStunAddrs(addrStr string) ([]*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addrStr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, &net.UDPAddr{IP: ip.IP, Port: port})
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no IPs for %s", host)
	}
	return addrs, nil
}
