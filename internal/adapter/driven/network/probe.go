// Package network tells which local network this host is on, so that two
// callers can check they share one before a call is set up.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/jackpal/gateway"
	"github.com/rs/zerolog/log"
)

var _ port.NetworkProbe = (*Probe)(nil)

var ErrNoNetwork = errors.New("no default route")

const DefaultTTL = 10 * time.Second

// Probe describes the current network as the default gateway address and
// the subnet of the address used to reach it. A configured override is
// returned as is.
type Probe struct {
	override string
	ttl      time.Duration

	discover func() (net.IP, error)
	sourceIP func(target net.IP) (net.IP, error)
	subnets  func() ([]*net.IPNet, error)
	now      func() time.Time

	mu      sync.Mutex
	cached  domain.NetworkInfo
	expires time.Time
}

func NewProbe(override string, ttl time.Duration) *Probe {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Probe{
		override: override,
		ttl:      ttl,
		discover: gateway.DiscoverGateway,
		sourceIP: sourceIP,
		subnets:  localSubnets,
		now:      time.Now,
	}
}

func (p *Probe) Current(ctx context.Context) (domain.NetworkInfo, error) {
	if p.override != "" {
		return domain.NetworkInfo{Descriptor: p.override}, nil
	}

	p.mu.Lock()
	if p.cached.Descriptor != "" && p.now().Before(p.expires) {
		info := p.cached
		p.mu.Unlock()
		return info, nil
	}
	p.mu.Unlock()

	type result struct {
		info domain.NetworkInfo
		err  error
	}
	out := make(chan result, 1)
	go func() {
		info, err := p.describe()
		out <- result{info, err}
	}()

	select {
	case <-ctx.Done():
		return domain.NetworkInfo{}, ctx.Err()
	case r := <-out:
		if r.err != nil {
			return domain.NetworkInfo{}, r.err
		}
		p.mu.Lock()
		p.cached = r.info
		p.expires = p.now().Add(p.ttl)
		p.mu.Unlock()
		return r.info, nil
	}
}

func (p *Probe) describe() (domain.NetworkInfo, error) {
	gw, err := p.discover()
	if err != nil {
		return domain.NetworkInfo{}, fmt.Errorf("discover gateway: %w: %v", ErrNoNetwork, err)
	}

	descriptor := gw.String()
	src, err := p.sourceIP(gw)
	if err != nil {
		log.Debug().Err(err).Str("gateway", descriptor).Msg("Could not find source address for gateway")
		return domain.NetworkInfo{Descriptor: descriptor}, nil
	}

	nets, err := p.subnets()
	if err != nil {
		log.Debug().Err(err).Msg("Could not list interface addresses")
		return domain.NetworkInfo{Descriptor: descriptor}, nil
	}
	for _, n := range nets {
		if n.Contains(src) {
			masked := &net.IPNet{IP: src.Mask(n.Mask), Mask: n.Mask}
			descriptor += "@" + masked.String()
			break
		}
	}
	return domain.NetworkInfo{Descriptor: descriptor}, nil
}

// sourceIP returns the local address the kernel picks to reach target.
// Dialing UDP sends nothing.
func sourceIP(target net.IP) (net.IP, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(target.String(), "80"))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

func localSubnets() ([]*net.IPNet, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var nets []*net.IPNet
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && n.IP.To4() != nil {
			nets = append(nets, n)
		}
	}
	return nets, nil
}
