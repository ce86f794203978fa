package transport

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	discoveryConnectTimeout = 5 * time.Second
	discoveryDedupeInterval = 30 * time.Second
	discoveryMaxConcurrent  = 5
	discoveryBrowseInterval = 30 * time.Second
	discoveryBrowseTimeout  = 10 * time.Second
	dnsaddrPrefix           = "dnsaddr="
)

// Discovery advertises a libp2p host over mDNS and dials peers it finds,
// registering each with a Manager so gossip and invoke traffic can reach it
// without waiting on an explicit AddPeer call. It backs both the LAN class
// and, under a distinct service name, the direct peer-to-peer radio class,
// which piggybacks on local-broadcast discovery until a dedicated radio
// driver exists.
type Discovery struct {
	host    host.Host
	mgr     *Manager
	class   Class
	service string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	server *zeroconf.Server

	mu      sync.Mutex
	lastTry map[peer.ID]time.Time
	sem     chan struct{}
}

// NewDiscovery builds a Discovery that advertises and browses serviceName
// and registers any peer it successfully dials with mgr. class only labels
// its log lines; the manager's peer registration is not per class.
func NewDiscovery(h host.Host, mgr *Manager, class Class, serviceName string) *Discovery {
	return &Discovery{
		host:    h,
		mgr:     mgr,
		class:   class,
		service: serviceName,
		lastTry: make(map[peer.ID]time.Time),
		sem:     make(chan struct{}, discoveryMaxConcurrent),
	}
}

// Start registers the mDNS service and begins the periodic browse loop.
func (d *Discovery) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.advertise(); err != nil {
		return err
	}
	d.wg.Add(1)
	go d.browseLoop()
	return nil
}

// Close stops advertising and browsing, waiting for in-flight dials.
func (d *Discovery) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.server != nil {
		d.server.Shutdown()
	}
	d.wg.Wait()
	return nil
}

func (d *Discovery) advertise() error {
	ifaceAddrs, err := d.host.Network().InterfaceListenAddresses()
	if err != nil {
		return err
	}
	p2pAddrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: d.host.ID(), Addrs: ifaceAddrs})
	if err != nil {
		return err
	}

	var txts []string
	for _, addr := range p2pAddrs {
		if isSuitableForMDNS(addr) {
			txts = append(txts, dnsaddrPrefix+addr.String())
		}
	}
	ips := mdnsHostIPs(p2pAddrs)

	instance := randomServiceInstance(32 + rand.Intn(32))
	server, err := zeroconf.RegisterProxy(instance, d.service, "local", 4001, instance, ips, txts, nil)
	if err != nil {
		return err
	}
	d.server = server
	return nil
}

func (d *Discovery) browseLoop() {
	defer d.wg.Done()

	select {
	case <-time.After(2 * time.Second):
	case <-d.ctx.Done():
		return
	}
	d.runBrowse()

	ticker := time.NewTicker(discoveryBrowseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runBrowse()
		}
	}
}

func (d *Discovery) runBrowse() {
	browseCtx, cancel := context.WithTimeout(d.ctx, discoveryBrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 100)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()

	if err := zeroconf.Browse(browseCtx, d.service, "local", entries); err != nil && d.ctx.Err() == nil {
		slog.Debug("transport: mdns browse round error", "service", d.service, "error", err)
	}
	wg.Wait()
}

func (d *Discovery) handleEntry(entry *zeroconf.ServiceEntry) {
	addrs := make([]ma.Multiaddr, 0, len(entry.Text))
	for _, txt := range entry.Text {
		if !strings.HasPrefix(txt, dnsaddrPrefix) {
			continue
		}
		addr, err := ma.NewMultiaddr(txt[len(dnsaddrPrefix):])
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return
	}

	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		return
	}
	for _, info := range infos {
		if info.ID == d.host.ID() {
			continue
		}
		d.handlePeerFound(info)
	}
}

func (d *Discovery) handlePeerFound(pi peer.AddrInfo) {
	d.mu.Lock()
	if last, ok := d.lastTry[pi.ID]; ok && time.Since(last) < discoveryDedupeInterval {
		d.mu.Unlock()
		return
	}
	d.lastTry[pi.ID] = time.Now()
	d.mu.Unlock()

	lan := filterLANAddrs(pi.Addrs)
	if len(lan) > 0 {
		d.host.Peerstore().AddAddrs(pi.ID, lan, 10*time.Minute)
	} else {
		d.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, 10*time.Minute)
	}

	select {
	case d.sem <- struct{}{}:
	default:
		slog.Debug("transport: mdns concurrent dial limit reached", "peer", pi.ID)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()

		ctx, cancel := context.WithTimeout(d.ctx, discoveryConnectTimeout)
		defer cancel()
		if err := d.host.Connect(ctx, pi); err != nil {
			slog.Debug("transport: mdns dial failed", "peer", pi.ID, "error", err)
			return
		}
		peerIDStr := pi.ID.String()
		d.mgr.AddPeer(peerIDStr)
		slog.Info("transport: mdns peer connected", "peer", peerIDStr, "class", d.class)
	}()
}

func isSuitableForMDNS(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	first, _ := ma.SplitFirst(addr)
	if first == nil {
		return false
	}
	switch first.Protocol().Code {
	case ma.P_IP4, ma.P_IP6:
	case ma.P_DNS, ma.P_DNS4, ma.P_DNS6, ma.P_DNSADDR:
		if !strings.HasSuffix(strings.ToLower(first.Value()), ".local") {
			return false
		}
	default:
		return false
	}
	excluded := false
	ma.ForEach(addr, func(c ma.Component) bool {
		switch c.Protocol().Code {
		case ma.P_CIRCUIT, ma.P_WEBTRANSPORT, ma.P_WEBRTC, ma.P_WEBRTC_DIRECT, ma.P_P2P_WEBRTC_DIRECT, ma.P_WS, ma.P_WSS:
			excluded = true
			return false
		}
		return true
	})
	return !excluded
}

func mdnsHostIPs(addrs []ma.Multiaddr) []string {
	var ip4, ip6 string
	for _, addr := range addrs {
		first, _ := ma.SplitFirst(addr)
		if first == nil {
			continue
		}
		if ip4 == "" && first.Protocol().Code == ma.P_IP4 {
			ip4 = first.Value()
		} else if ip6 == "" && first.Protocol().Code == ma.P_IP6 {
			ip6 = first.Value()
		}
	}
	var ips []string
	if ip4 != "" {
		ips = append(ips, ip4)
	}
	if ip6 != "" {
		ips = append(ips, ip6)
	}
	if len(ips) == 0 {
		ips = append(ips, "127.0.0.1")
	}
	return ips
}

func randomServiceInstance(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	s := make([]byte, n)
	for i := range s {
		s[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(s)
}

// filterLANAddrs keeps only multiaddrs on a private IPv4 subnet shared with
// a local interface. mDNS implies "same LAN", and private IPv4 is the one
// universally reliable signal for that across consumer routers that block
// inter-client IPv6 (see localIPv4Subnets).
func filterLANAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	nets := localIPv4Subnets()
	if len(nets) == 0 {
		return nil
	}
	var lan []ma.Multiaddr
	for _, addr := range addrs {
		first, _ := ma.SplitFirst(addr)
		if first == nil || first.Protocol().Code != ma.P_IP4 {
			continue
		}
		ip := net.ParseIP(first.Value())
		if ip == nil || ip.IsLoopback() {
			continue
		}
		for _, n := range nets {
			if n.Contains(ip) {
				lan = append(lan, addr)
				break
			}
		}
	}
	return lan
}

func localIPv4Subnets() []*net.IPNet {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var nets []*net.IPNet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLinkLocalUnicast() || ip4.IsLoopback() {
				continue
			}
			nets = append(nets, ipNet)
		}
	}
	return nets
}
