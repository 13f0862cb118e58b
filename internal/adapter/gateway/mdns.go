package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_wanctl._tcp"
	mdnsDomain      = "local."
	mdnsScanTimeout = 3 * time.Second
)

// Peer is a wanctl gateway found on the local network.
type Peer struct {
	Instance string
	Address  string
	Meta     map[string]string
}

// Advertise registers the gateway listening on addr as a _wanctl._tcp
// service. It blocks until ctx is cancelled. Call it in a goroutine.
func Advertise(ctx context.Context, instance, addr string, meta map[string]string, logger *slog.Logger) error {
	port, err := portOf(addr)
	if err != nil {
		return err
	}
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txtRecords(meta), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	logger.Info("mdns advertising", "instance", instance, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// Discover browses for wanctl gateways until timeout (default 3s) elapses.
func Discover(ctx context.Context, timeout time.Duration) ([]Peer, error) {
	if timeout <= 0 {
		timeout = mdnsScanTimeout
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu    sync.Mutex
		peers []Peer
		wg    sync.WaitGroup
	)

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			p := entryToPeer(entry)
			mu.Lock()
			peers = append(peers, p)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(scanCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].Instance < peers[j].Instance })
	return peers, nil
}

func entryToPeer(entry *zeroconf.ServiceEntry) Peer {
	var address string
	switch {
	case len(entry.AddrIPv4) > 0:
		address = net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port))
	case len(entry.AddrIPv6) > 0:
		address = net.JoinHostPort(entry.AddrIPv6[0].String(), strconv.Itoa(entry.Port))
	}
	return Peer{
		Instance: entry.ServiceRecord.Instance,
		Address:  address,
		Meta:     parseTXTRecords(entry.Text),
	}
}

// txtRecords renders meta as sorted key=value strings.
func txtRecords(meta map[string]string) []string {
	txt := make([]string, 0, len(meta))
	for k, v := range meta {
		txt = append(txt, k+"="+v)
	}
	sort.Strings(txt)
	return txt
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		if k, v, ok := strings.Cut(t, "="); ok {
			m[k] = v
		}
	}
	return m
}

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("mdns: %w", err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("mdns: invalid port %q", p)
	}
	return port, nil
}
