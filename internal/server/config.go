package server

import (
	"net"
	"time"

	"github.com/turngate/turngate/internal/filter"
	"github.com/turngate/turngate/internal/stunmsg"
)

// metricsCollector is the subset of promMetrics/noopMetrics the hot
// path needs; kept as an interface so MetricsEnabled can
// swap in a no-op without branching on every packet.
type metricsCollector interface {
	incSTUNMessages()
}

// config is an immutable snapshot of server options, swapped atomically
// via Server.cfg so the packet-processing goroutines never take a lock
// to read it (see Server.setOptions).
type config struct {
	maxLifetime     time.Duration
	defaultLifetime time.Duration
	workers         int
	authForSTUN     bool
	debugCollect    bool
	software        stunmsg.Software
	realm           stunmsg.Realm
	peerFilter      filter.Rule
	clientFilter    filter.Rule
	metrics         metricsCollector
	maxBPS             uint64 // 0 disables the per-session bandwidth cap (spec.md §4.5)
	noUDPRelay         bool   // reject Allocate requests for REQUESTED-TRANSPORT=UDP (spec.md §6 --no-udp-relay)
	noTCPRelay         bool   // reject Connect/ConnectionBind (spec.md §6 --no-tcp-relay)
	externalIP         net.IP // overrides the advertised RELAYED-ADDRESS IP (spec.md §6 -X)
	alternateServer    string // non-empty redirects Binding requests via 300 Try Alternate (spec.md §6 --alternate-server)
	tlsAlternateServer string // same, offered only over a TLS-terminated connection (spec.md §6 --tls-alternate-server)
}

func (s *Server) newConfig(o Options) config {
	maxLifetime := o.MaxLifetime
	if maxLifetime == 0 {
		maxLifetime = time.Hour
	}
	defaultLifetime := o.DefaultLifetime
	if defaultLifetime == 0 {
		defaultLifetime = time.Minute
	}
	peerFilter := o.PeerRule
	if peerFilter == nil {
		peerFilter = filter.AllowAll
	}
	clientFilter := o.ClientRule
	if clientFilter == nil {
		clientFilter = filter.AllowAll
	}
	var m metricsCollector = noopMetrics{}
	if o.MetricsEnabled {
		m = s.promMetrics
	}
	return config{
		maxLifetime:     maxLifetime,
		defaultLifetime: defaultLifetime,
		workers:         o.Workers,
		authForSTUN:     o.AuthForSTUN,
		debugCollect:    o.DebugCollect,
		software:        stunmsg.Software(o.Software),
		realm:           stunmsg.Realm(o.Realm),
		peerFilter:      peerFilter,
		clientFilter:    clientFilter,
		metrics:         m,
		maxBPS:             o.MaxBandwidth,
		noUDPRelay:         o.NoUDPRelay,
		noTCPRelay:         o.NoTCPRelay,
		externalIP:         o.ExternalIP,
		alternateServer:    o.AlternateServer,
		tlsAlternateServer: o.TLSAlternateServer,
	}
}
