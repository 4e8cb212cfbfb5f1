// Package cli implements the command-line interface for turngate.
package cli

import (
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pion/dtls/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/turngate/turngate/internal/auth"
	"github.com/turngate/turngate/internal/filter"
	"github.com/turngate/turngate/internal/manage"
	"github.com/turngate/turngate/internal/reload"
	"github.com/turngate/turngate/internal/server"
)

// defaultSTUNPort is the RFC 5389/5766 default plain STUN/TURN port
// (spec.md §6).
const defaultSTUNPort = 3478

// defaultTLSPort is the RFC 5389/6347 default STUN/TURN-over-TLS and
// -over-DTLS port (spec.md §6): coturn (and this server) serve both
// transports on the same numeric port, distinguished only by protocol.
const defaultTLSPort = 5349

// listeningPort is the effective -p/--listening-port value; normalize
// falls back to it for addresses given without an explicit port. It is
// a package variable rather than a parameter so normalize's existing
// call sites/tests keep working unchanged when no flag overrides it.
var listeningPort = defaultSTUNPort

// listenFunc binds one relay listener and serves it until it is closed
// or fails; ListenUDPAndServe is the production implementation, tests
// substitute a stub to observe which addresses getRoot resolves to.
type listenFunc func(l *zap.Logger, serverNet, laddr string, u *server.Updater) error

// ListenUDPAndServe listens on laddr and serves STUN/TURN traffic on it
// until the listener or the server built from it is closed. Besides the
// primary UDP socket, it also starts whichever of the TCP (RFC 6062),
// TLS and DTLS sibling listeners the resolved Options call for, all
// against the same *server.Server, on the same host IP as laddr.
func ListenUDPAndServe(l *zap.Logger, serverNet, laddr string, u *server.Updater) error {
	var (
		c   net.PacketConn
		err error
	)
	opt := u.Get()
	if reuseport.Available() && opt.ReusePort {
		c, err = reuseport.ListenPacket(serverNet, laddr)
	} else {
		c, err = net.ListenPacket(serverNet, laddr)
	}
	if err != nil {
		return err
	}
	opt.Conn = c
	l.Debug("listening", zap.String("addr", laddr), zap.String("net", serverNet))
	s, err := server.New(opt)
	if err != nil {
		return err
	}
	u.Subscribe(s)

	host, _, splitErr := net.SplitHostPort(laddr)
	if splitErr != nil {
		host = laddr
	}
	if !opt.NoTCP {
		// RFC 6062's TCP control/data channel shares the UDP listening
		// port's numeric value (coturn's -p/--listening-port names a
		// single port for both protocols).
		if lErr := s.ListenTCP(laddr); lErr != nil {
			l.Error("failed to listen tcp", zap.Error(lErr))
		}
	}
	if !opt.NoTLS && opt.TLSConfig != nil && opt.TLSPort > 0 {
		if lErr := s.ListenTLS(net.JoinHostPort(host, strconv.Itoa(opt.TLSPort)), opt.TLSConfig); lErr != nil {
			l.Error("failed to listen tls", zap.Error(lErr))
		}
	}
	if !opt.NoDTLS && opt.DTLSConfig != nil && opt.DTLSPort > 0 {
		if lErr := s.ListenDTLS(net.JoinHostPort(host, strconv.Itoa(opt.DTLSPort)), opt.DTLSConfig); lErr != nil {
			l.Error("failed to listen dtls", zap.Error(lErr))
		}
	}
	if opt.NoUDP {
		return s.Wait()
	}
	return s.Serve()
}

func normalize(address string) string {
	if address == "" {
		address = "0.0.0.0"
	}
	if !strings.Contains(address, ":") {
		address = fmt.Sprintf("%s:%d", address, listeningPort)
	}
	return address
}

// protocolNotSupported reports whether err is the kernel telling us an
// address family isn't available locally (commonly IPv6 on an
// IPv4-only host) rather than a real bind failure, so the wildcard
// listener-expansion loop can skip the address instead of crashing the
// process over it.
func protocolNotSupported(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.EPROTONOSUPPORT)
	}
	return false
}

// localAddrs enumerates the non-loopback, non-link-local IPv4
// addresses of this host's interfaces — the stdlib stand-in for the
// teacher's ICE-candidate gathering step, which this repo has no use
// for outside of "0.0.0.0" expansion (see DESIGN.md).
func localAddrs() ([]net.IP, error) {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		if ip.To4() == nil {
			continue
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

type staticCredElem struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Key      string `mapstructure:"key"`
	Realm    string `mapstructure:"realm"`
}

// parseStaticCredentials decodes the "auth.static" config key into the
// long-term credential set, defaulting a credential's realm to realm
// when the entry omits one.
func parseStaticCredentials(v *viper.Viper, l *zap.Logger, realm string) []auth.StaticCredential {
	var rawCredentials []staticCredElem
	if keyErr := v.UnmarshalKey("auth.static", &rawCredentials); keyErr != nil {
		l.Fatal("failed to parse auth.static config", zap.Error(keyErr))
	}
	credentials := make([]auth.StaticCredential, 0, len(rawCredentials))
	for _, cred := range rawCredentials {
		if cred.Realm == "" {
			cred.Realm = realm
		}
		a := auth.StaticCredential{
			Username: cred.Username,
			Password: cred.Password,
			Realm:    cred.Realm,
		}
		if strings.HasPrefix(cred.Key, "0x") {
			key, decodeErr := hex.DecodeString(cred.Key[2:])
			if decodeErr != nil {
				l.Error("failed to parse credential",
					zap.String("cred", fmt.Sprintf("%+v", cred)),
					zap.Error(decodeErr),
				)
			}
			a.Key = key
		}
		credentials = append(credentials, a)
	}
	for _, entry := range v.GetStringSlice("auth.user") {
		sep := v.GetString("auth.cli-separator")
		if sep == "" {
			sep = ":"
		}
		parts := strings.SplitN(entry, sep, 2)
		if len(parts) != 2 {
			l.Error("failed to parse -u credential", zap.String("entry", entry))
			continue
		}
		credentials = append(credentials, auth.StaticCredential{
			Username: parts[0],
			Password: parts[1],
			Realm:    realm,
		})
	}
	l.Info("parsed credentials", zap.Int("n", len(credentials)))
	return credentials
}

// buildAuth selects and builds the Authenticator for realm out of
// spec.md §4.3's four credential mechanisms (no-auth, short-term,
// long-term/static, and coturn's REST-API timed-secret scheme),
// according to the -z/-A/--use-auth-secret/default flag precedence,
// then wraps the choice in an auth.Mechanism keyed by realm so
// multi-realm deployments can be layered on top of the same selection
// logic later (spec.md §6 -a/-A/-z/-u/-r/--use-auth-secret/
// --static-auth-secret/-C).
func buildAuth(v *viper.Viper, l *zap.Logger, realm string) auth.Authenticator {
	credentials := parseStaticCredentials(v, l, realm)
	var inner auth.Authenticator
	switch {
	case v.GetBool("auth.public"):
		l.Warn("auth is public")
		inner = auth.NoAuth{}
	case v.GetBool("auth.use-auth-secret"):
		l.Info("using timed-secret credential mechanism")
		var secrets [][]byte
		for _, secret := range v.GetStringSlice("auth.static-auth-secret") {
			secrets = append(secrets, []byte(secret))
		}
		inner = &auth.TimedSecret{Realm: realm, Secrets: secrets}
	case v.GetBool("auth.st-cred-mech"):
		l.Info("using short-term credential mechanism")
		passwords := make(map[string]string, len(credentials))
		for _, c := range credentials {
			passwords[c.Username] = c.Password
		}
		inner = auth.NewShortTerm(passwords)
	default:
		inner = auth.NewStatic(credentials)
	}
	return auth.NewMechanism(map[string]auth.Authenticator{realm: inner}, inner)
}

// ensureCIDR widens a bare IP into a /32 (or /128 for IPv6) so it can
// be passed to filter.AllowNet/ForbidNet, which only accept CIDRs.
func ensureCIDR(ip string) string {
	if strings.Contains(ip, "/") {
		return ip
	}
	if strings.Contains(ip, ":") {
		return ip + "/128"
	}
	return ip + "/32"
}

// buildPeerRule layers --no-multicast-peers/--no-loopback-peers/
// --allowed-peer-ip/--denied-peer-ip on top of configRule (the
// config-file-driven "filter.peer.rules"): flag-driven rules are tried
// first (most specific operator intent), falling through to configRule
// when none of them match.
func buildPeerRule(v *viper.Viper, l *zap.Logger, configRule filter.Rule) filter.Rule {
	var extra []filter.Rule
	if v.GetBool("filter.peer.no-multicast") {
		extra = append(extra, filter.DenyMulticast())
	}
	if v.GetBool("filter.peer.no-loopback") {
		extra = append(extra, filter.DenyLoopback())
	}
	for _, ip := range v.GetStringSlice("filter.peer.denied-ip") {
		rule, err := filter.ForbidNet(ensureCIDR(ip))
		if err != nil {
			l.Error("failed to parse --denied-peer-ip", zap.String("ip", ip), zap.Error(err))
			continue
		}
		extra = append(extra, rule)
	}
	for _, ip := range v.GetStringSlice("filter.peer.allowed-ip") {
		rule, err := filter.AllowNet(ensureCIDR(ip))
		if err != nil {
			l.Error("failed to parse --allowed-peer-ip", zap.String("ip", ip), zap.Error(err))
			continue
		}
		extra = append(extra, rule)
	}
	if len(extra) == 0 {
		return configRule
	}
	extra = append(extra, configRule)
	return filter.NewFilter(filter.Allow, extra...)
}

// parseFilteringRules decodes the "filter.<key>.rules" config key into
// a filter.List, the allow/deny rule set for either "peer" or "client"
// addresses.
func parseFilteringRules(v *viper.Viper, parentLogger *zap.Logger, key string) (*filter.List, error) {
	l := parentLogger.Named(key)
	type rawRuleItem struct {
		Net    string `mapstructure:"net"`
		Action string `mapstructure:"action"`
	}
	var rawRules []rawRuleItem
	if keyErr := v.UnmarshalKey("filter."+key+".rules", &rawRules); keyErr != nil {
		l.Error("failed to parse rules", zap.Error(keyErr))
		return nil, keyErr
	}
	var rules []filter.Rule
	for _, rawRule := range rawRules {
		var action filter.Action
		switch strings.ToLower(rawRule.Action) {
		case "allow":
			action = filter.Allow
		case "drop", "forbid", "deny", "block":
			action = filter.Deny
		case "pass", "none", "":
			action = filter.Pass
		default:
			l.Error("failed to parse action", zap.String("action", rawRule.Action))
			return nil, fmt.Errorf("unknown action %s", rawRule.Action)
		}
		rule, ruleErr := filter.StaticNetRule(action, rawRule.Net)
		if ruleErr != nil {
			l.Error("failed to parse subnet",
				zap.Error(ruleErr), zap.String("net", rawRule.Net),
			)
			return nil, ruleErr
		}
		l.Info("added rule",
			zap.Stringer("action", action),
			zap.String("net", rawRule.Net),
		)
		rules = append(rules, rule)
	}
	defaultAction := filter.Allow
	switch strings.ToLower(v.GetString("filter." + key + ".action")) {
	case "allow", "":
		// Same as default.
	case "drop", "forbid", "deny", "block":
		defaultAction = filter.Deny
	case "pass", "none":
		return nil, errors.New("default action cannot be pass")
	default:
		return nil, errors.New("unknown default action")
	}
	l.Info("default action set", zap.Stringer("action", defaultAction))
	return filter.NewFilter(defaultAction, rules...), nil
}

const keyPrometheusActive = "server.prometheus.active"

// parseCipherSuites maps a comma-separated --cipher-list of Go cipher
// suite names (e.g. "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256") to their
// IDs, against both crypto/tls's secure and insecure suite registries;
// unrecognized names are logged and skipped rather than failing
// startup, since a typo in an operator-supplied list shouldn't prevent
// the rest of the server from starting.
func parseCipherSuites(l *zap.Logger, list string) []uint16 {
	if list == "" {
		return nil
	}
	byName := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		byName[suite.Name] = suite.ID
	}
	for _, suite := range tls.InsecureCipherSuites() {
		byName[suite.Name] = suite.ID
	}
	var ids []uint16
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		id, ok := byName[name]
		if !ok {
			l.Error("unknown cipher suite in --cipher-list", zap.String("name", name))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// loadCertificate reads --cert/--pkey into a tls.Certificate; it
// returns ok=false (not an error) when neither flag is set, since TLS
// and DTLS are both optional transports.
func loadCertificate(v *viper.Viper) (cert tls.Certificate, ok bool, err error) {
	certPath := v.GetString("server.cert")
	pkeyPath := v.GetString("server.pkey")
	if certPath == "" && pkeyPath == "" {
		return tls.Certificate{}, false, nil
	}
	cert, err = tls.LoadX509KeyPair(certPath, pkeyPath)
	if err != nil {
		return tls.Certificate{}, false, err
	}
	return cert, true, nil
}

// buildTLSConfig builds the *tls.Config for the TLS listener (and the
// *tls.Certificate it shares with the DTLS listener's config), or nil
// if no certificate is configured.
func buildTLSConfig(v *viper.Viper, l *zap.Logger) *tls.Config {
	cert, ok, err := loadCertificate(v)
	if err != nil {
		l.Error("failed to load --cert/--pkey", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		CipherSuites: parseCipherSuites(l, v.GetString("server.cipher-list")),
	}
}

// buildDTLSConfig mirrors buildTLSConfig for the pion/dtls/v3 listener
// (spec.md §6's DTLS transport); pion/dtls/v3's Config reuses the
// standard library's tls.Certificate type for its certificate chain.
func buildDTLSConfig(v *viper.Viper, l *zap.Logger) *dtls.Config {
	cert, ok, err := loadCertificate(v)
	if err != nil {
		l.Error("failed to load --cert/--pkey for dtls", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return &dtls.Config{Certificates: []tls.Certificate{cert}}
}

// parseOptions fills o from v: realms, worker count, auth/metrics
// gates, transport gates, the relay port range, and the peer/client
// filtering rules.
func parseOptions(v *viper.Viper, l *zap.Logger, o *server.Options) error {
	o.Realm = v.GetString("server.realm")
	o.Workers = v.GetInt("server.workers")
	o.AuthForSTUN = v.GetBool("auth.stun")
	o.Software = v.GetString("server.software")
	o.ReusePort = v.GetBool("server.reuseport")
	o.DebugCollect = v.GetBool("server.debug.collect")
	o.MetricsEnabled = v.GetBool(keyPrometheusActive)
	o.MaxBandwidth = uint64(v.GetInt64("server.max-bps"))
	o.MinPort = v.GetInt("server.min-port")
	o.MaxPort = v.GetInt("server.max-port")
	o.NoUDPRelay = v.GetBool("server.no-udp-relay")
	o.NoTCPRelay = v.GetBool("server.no-tcp-relay")
	o.NoUDP = v.GetBool("server.no-udp")
	o.NoTCP = v.GetBool("server.no-tcp")
	o.NoTLS = v.GetBool("server.no-tls")
	o.NoDTLS = v.GetBool("server.no-dtls")
	o.TLSPort = v.GetInt("server.tls-listening-port")
	o.DTLSPort = v.GetInt("server.tls-listening-port")
	o.AlternateServer = v.GetString("server.alternate-server")
	o.TLSAlternateServer = v.GetString("server.tls-alternate-server")
	if ip := v.GetString("server.external-ip"); ip != "" {
		o.ExternalIP = net.ParseIP(ip)
	}
	if relayIPs := v.GetStringSlice("server.relay-ip"); len(relayIPs) > 0 {
		o.RelayIP = net.ParseIP(relayIPs[0])
	}
	o.NonceDuration = 10 * time.Minute
	if stale := v.GetDuration("server.stale-nonce"); stale > 0 {
		o.NonceDuration = stale
	}
	if maxLifetime := v.GetDuration("server.max-lifetime"); maxLifetime > 0 {
		o.MaxLifetime = maxLifetime
	}
	if defaultLifetime := v.GetDuration("server.default-lifetime"); defaultLifetime > 0 {
		o.DefaultLifetime = defaultLifetime
	}
	o.TLSConfig = buildTLSConfig(v, l)
	o.DTLSConfig = buildDTLSConfig(v, l)
	filterLog := l.Named("filter")
	var parseErr error
	if o.PeerRule, parseErr = parseFilteringRules(v, filterLog, "peer"); parseErr != nil {
		l.Error("failed to parse peer rules", zap.Error(parseErr))
		return parseErr
	}
	o.PeerRule = buildPeerRule(v, filterLog, o.PeerRule)
	if o.ClientRule, parseErr = parseFilteringRules(v, filterLog, "client"); parseErr != nil {
		l.Error("failed to parse client rules", zap.Error(parseErr))
		return parseErr
	}
	if o.Software != "" {
		l.Info("will be sending SOFTWARE attribute", zap.String("software", o.Software))
	}
	return nil
}

// notifyFunc adapts a plain function to manage.Notifier.
type notifyFunc func()

func (f notifyFunc) Notify() { f() }

// pidFileCandidates are tried in order by writePIDFile; the first one
// that can be created wins (spec.md §6 "PID file ... with several
// fallback paths tried in order").
func pidFileCandidates(configured string) []string {
	if configured != "" {
		return []string{configured}
	}
	return []string{
		"/var/run/turngate.pid",
		"/run/turngate.pid",
		filepath.Join(os.TempDir(), "turngate.pid"),
	}
}

// writePIDFile writes the current process id to the first writable
// path in pidFileCandidates(configured), returning the path it wrote
// to.
func writePIDFile(l *zap.Logger, configured string) (string, error) {
	var lastErr error
	for _, path := range pidFileCandidates(configured) {
		content := strconv.Itoa(os.Getpid())
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			lastErr = err
			l.Debug("failed to write pid file", zap.String("path", path), zap.Error(err))
			continue
		}
		l.Info("wrote pid file", zap.String("path", path))
		return path, nil
	}
	return "", lastErr
}

// runServer reads the fully-resolved configuration out of v, writes the
// PID file, starts the ancillary HTTP endpoints (prometheus, pprof, the
// management API), wires config-reload, and spawns one listen goroutine
// per resolved "server.listen"/"server.aux-server"/"server.listening-ip"
// address via listen. It returns immediately with the resolved
// addresses; the listen goroutines keep running in the background
// (and, for the production listenFunc, for the life of the process).
func runServer(v *viper.Viper, l *zap.Logger, listen listenFunc) ([]string, *sync.WaitGroup) {
	if cfgPath := v.ConfigFileUsed(); len(cfgPath) > 0 {
		l.Info("config file used", zap.String("path", cfgPath))
	} else {
		l.Info("default configuration used")
	}
	if strings.Split(v.GetString("version"), ".")[0] != "1" {
		l.Fatal("unsupported config file version", zap.String("v", v.GetString("version")))
	}
	if p := v.GetInt("server.listening-port"); p > 0 {
		listeningPort = p
	}
	if _, err := writePIDFile(l, v.GetString("server.pidfile")); err != nil {
		l.Warn("failed to write pid file", zap.Error(err))
	}

	reg := prometheus.NewPedanticRegistry()
	if prometheusAddr := v.GetString("server.prometheus.addr"); prometheusAddr != "" {
		l.Warn("running prometheus metrics", zap.String("addr", prometheusAddr))
		go func() {
			promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
				ErrorLog:      zap.NewStdLog(l),
				ErrorHandling: promhttp.HTTPErrorOnError,
			})
			if listenErr := http.ListenAndServe(prometheusAddr, promHandler); listenErr != nil {
				l.Error("prometheus failed to listen",
					zap.String("addr", prometheusAddr),
					zap.Error(listenErr),
				)
			}
		}()
	} else if v.GetBool(keyPrometheusActive) {
		l.Warn("ignoring " + keyPrometheusActive + " because prometheus http endpoint is not configured")
	}

	if pprofAddr := v.GetString("server.pprof"); pprofAddr != "" {
		l.Warn("running pprof", zap.String("addr", pprofAddr))
		go func() {
			pprofMux := http.NewServeMux()
			pprofMux.HandleFunc("/debug/pprof/", pprof.Index)
			pprofMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			pprofMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			pprofMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			pprofMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
			if listenErr := http.ListenAndServe(pprofAddr, pprofMux); listenErr != nil {
				l.Error("pprof failed to listen",
					zap.String("addr", pprofAddr),
					zap.Error(listenErr),
				)
			}
		}()
	}

	realm := v.GetString("server.realm")
	o := server.Options{
		Log:      l,
		Registry: reg,
		Auth:     buildAuth(v, l, realm),
	}
	if parseErr := parseOptions(v, l, &o); parseErr != nil {
		l.Fatal("failed to parse", zap.Error(parseErr))
	}
	l.Info("realm", zap.String("k", realm))

	u := server.NewUpdater(o)
	n := reload.NewNotifier()
	go func() {
		for range n.C {
			l.Info("trying to update config")
			if readErr := v.ReadInConfig(); readErr != nil {
				l.Error("failed to read config", zap.Error(readErr))
				continue
			}
			l.Info("config read", zap.String("path", v.ConfigFileUsed()))
			newRealm := v.GetString("server.realm")
			newOptions := server.Options{
				Log:      l,
				Registry: reg,
				Auth:     buildAuth(v, l, newRealm),
			}
			if parseErr := parseOptions(v, l, &newOptions); parseErr != nil {
				l.Error("failed to parse config", zap.Error(parseErr))
				continue
			}
			u.Set(newOptions)
			l.Info("config updated")
		}
	}()

	if apiAddr := v.GetString("api.addr"); apiAddr != "" {
		apiNotifier := notifyFunc(func() {
			select {
			case n.C <- struct{}{}:
			default:
			}
		})
		m := manage.NewManager(l.Named("api"), apiNotifier)
		go func() {
			l.Info("api listening", zap.String("addr", apiAddr))
			if listenErr := http.ListenAndServe(apiAddr, m); listenErr != nil {
				l.Error("failed to listen on management API addr",
					zap.String("addr", apiAddr),
					zap.Error(listenErr),
				)
			}
		}()
	}

	listenAddrs := append([]string{}, v.GetStringSlice("server.listen")...)
	listenAddrs = append(listenAddrs, v.GetStringSlice("server.listening-ip")...)
	listenAddrs = append(listenAddrs, v.GetStringSlice("server.aux-server")...)
	altPort := v.GetInt("server.alt-listening-port")

	var (
		mux       sync.Mutex
		addresses []string
	)
	wg := new(sync.WaitGroup)
	startListener := func(addr string) {
		l.Info("turngate listening",
			zap.String("addr", addr),
			zap.String("network", "udp"),
		)
		mux.Lock()
		addresses = append(addresses, addr)
		mux.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lErr := listen(l, "udp", addr, u); lErr != nil {
				if protocolNotSupported(lErr) {
					l.Warn("address family not supported", zap.String("addr", addr))
					return
				}
				l.Fatal("failed to listen", zap.Error(lErr))
			}
		}()
	}
	// withAltPort builds --alt-listening-port's sibling UDP address
	// (spec.md §6), the same host with a different numeric port.
	withAltPort := func(addr string) (string, bool) {
		if altPort <= 0 {
			return "", false
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return "", false
		}
		return net.JoinHostPort(host, strconv.Itoa(altPort)), true
	}
	for _, addr := range listenAddrs {
		l.Info("got addr", zap.String("addr", addr))
		normalized := normalize(addr)
		if strings.HasPrefix(normalized, "0.0.0.0") {
			l.Warn("running on all interfaces")
			ips, ipErr := localAddrs()
			if ipErr != nil {
				l.Fatal("failed to enumerate local addresses", zap.Error(ipErr))
			}
			for _, ip := range ips {
				resolved := strings.Replace(normalized, "0.0.0.0", ip.String(), 1)
				startListener(resolved)
				if alt, ok := withAltPort(resolved); ok {
					startListener(alt)
				}
			}
		} else {
			startListener(normalized)
			if alt, ok := withAltPort(normalized); ok {
				startListener(alt)
			}
		}
	}
	return addresses, wg
}

// getListeners starts the server against the real network using the
// production ListenUDPAndServe and returns the resolved listen
// addresses; the listeners keep serving on background goroutines.
func getListeners(v *viper.Viper, l *zap.Logger) []string {
	addrs, _ := runServer(v, l, ListenUDPAndServe)
	return addrs
}

func getRoot(v *viper.Viper, listen listenFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "turngate",
		Short: "turngate is a STUN and TURN server",
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(v)
			_, wg := runServer(v, l, listen)
			wg.Wait()
		},
	}
	f := root.Flags()
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/turngate.yml)")

	f.StringArrayP("listen", "l", []string{"0.0.0.0:3478"}, "listen address")
	f.String("pprof", "", "pprof address if specified")
	f.String("cpuprofile", "", "write cpu profile")

	// Ports (spec.md §6).
	f.IntP("listening-port", "p", defaultSTUNPort, "UDP/TCP listening port")
	f.Int("tls-listening-port", defaultTLSPort, "TLS/DTLS listening port")
	f.Int("alt-listening-port", 0, "alternate UDP listening port, 0 disables")
	f.Int("min-port", 49152, "relay port range floor")
	f.Int("max-port", 65535, "relay port range ceiling")

	// Addresses.
	f.StringArrayP("listening-ip", "L", nil, "additional listening address (repeatable)")
	f.StringArrayP("relay-ip", "E", nil, "relay socket bind address")
	f.StringP("external-ip", "X", "", "external IP advertised in RELAYED-ADDRESS")
	f.StringArray("aux-server", nil, "auxiliary listening address (repeatable)")

	// Credentials (spec.md §4.3).
	f.BoolP("lt-cred-mech", "a", true, "use long-term (static) credential mechanism")
	f.BoolP("st-cred-mech", "A", false, "use short-term credential mechanism")
	f.BoolP("no-auth", "z", false, "disable authentication entirely")
	f.StringArrayP("user", "u", nil, "static credential as user<sep>pwd (repeatable)")
	f.StringP("realm", "r", "", "realm")
	f.IntP("user-quota", "q", 0, "per-user bandwidth quota in bytes/sec (accepted, not enforced; see DESIGN.md)")
	f.IntP("total-quota", "Q", 0, "total bandwidth quota in bytes/sec (accepted, not enforced; see DESIGN.md)")
	f.Bool("use-auth-secret", false, "use the REST API timed-secret credential mechanism")
	f.StringArray("static-auth-secret", nil, "shared secret for --use-auth-secret (repeatable)")
	f.StringP("cli-separator", "C", ":", "separator used when parsing -u entries")

	// Transport gates.
	f.Bool("no-udp", false, "disable the plain UDP listener")
	f.Bool("no-tcp", false, "disable the RFC 6062 TCP listener")
	f.Bool("no-tls", false, "disable the TLS listener")
	f.Bool("no-dtls", false, "disable the DTLS listener")
	f.Bool("no-udp-relay", false, "reject Allocate requests for UDP-transport relays")
	f.Bool("no-tcp-relay", false, "reject RFC 6062 Connect/ConnectionBind requests")

	// Policy.
	f.DurationP("stale-nonce", "S", 0, "nonce lifetime before a client must re-fetch one, 0 uses the default of 10m")
	f.Bool("no-multicast-peers", false, "deny CreatePermission/Connect to multicast peer addresses")
	f.Bool("no-loopback-peers", false, "deny CreatePermission/Connect to loopback peer addresses")
	f.StringArray("allowed-peer-ip", nil, "allow peer address/CIDR (repeatable)")
	f.StringArray("denied-peer-ip", nil, "deny peer address/CIDR (repeatable)")
	f.Duration("max-allocate-timeout", 0, "clamp for client-requested allocation lifetime")
	f.BoolP("secure-stun", "s", false, "require authentication for Binding requests too")

	// TLS.
	f.String("cert", "", "TLS/DTLS certificate file")
	f.String("pkey", "", "TLS/DTLS private key file")
	f.String("cipher-list", "", "comma-separated TLS cipher suite names")
	f.String("alternate-server", "", "host:port returned via 300 Try Alternate")
	f.String("tls-alternate-server", "", "host:port returned via 300 Try Alternate, over TLS only")

	// PID file.
	f.String("pidfile", "", "PID file path, default tries /var/run, /run, then the temp dir")

	mustBind(v.BindPFlag("server.listen", f.Lookup("listen")))
	mustBind(v.BindPFlag("server.pprof", f.Lookup("pprof")))
	mustBind(v.BindPFlag("server.cpuprofile", f.Lookup("cpuprofile")))

	mustBind(v.BindPFlag("server.listening-port", f.Lookup("listening-port")))
	mustBind(v.BindPFlag("server.tls-listening-port", f.Lookup("tls-listening-port")))
	mustBind(v.BindPFlag("server.alt-listening-port", f.Lookup("alt-listening-port")))
	mustBind(v.BindPFlag("server.min-port", f.Lookup("min-port")))
	mustBind(v.BindPFlag("server.max-port", f.Lookup("max-port")))

	mustBind(v.BindPFlag("server.listening-ip", f.Lookup("listening-ip")))
	mustBind(v.BindPFlag("server.relay-ip", f.Lookup("relay-ip")))
	mustBind(v.BindPFlag("server.external-ip", f.Lookup("external-ip")))
	mustBind(v.BindPFlag("server.aux-server", f.Lookup("aux-server")))

	mustBind(v.BindPFlag("auth.lt-cred-mech", f.Lookup("lt-cred-mech")))
	mustBind(v.BindPFlag("auth.st-cred-mech", f.Lookup("st-cred-mech")))
	mustBind(v.BindPFlag("auth.public", f.Lookup("no-auth")))
	mustBind(v.BindPFlag("auth.user", f.Lookup("user")))
	mustBind(v.BindPFlag("server.realm", f.Lookup("realm")))
	mustBind(v.BindPFlag("auth.user-quota", f.Lookup("user-quota")))
	mustBind(v.BindPFlag("auth.total-quota", f.Lookup("total-quota")))
	mustBind(v.BindPFlag("auth.use-auth-secret", f.Lookup("use-auth-secret")))
	mustBind(v.BindPFlag("auth.static-auth-secret", f.Lookup("static-auth-secret")))
	mustBind(v.BindPFlag("auth.cli-separator", f.Lookup("cli-separator")))

	mustBind(v.BindPFlag("server.no-udp", f.Lookup("no-udp")))
	mustBind(v.BindPFlag("server.no-tcp", f.Lookup("no-tcp")))
	mustBind(v.BindPFlag("server.no-tls", f.Lookup("no-tls")))
	mustBind(v.BindPFlag("server.no-dtls", f.Lookup("no-dtls")))
	mustBind(v.BindPFlag("server.no-udp-relay", f.Lookup("no-udp-relay")))
	mustBind(v.BindPFlag("server.no-tcp-relay", f.Lookup("no-tcp-relay")))

	mustBind(v.BindPFlag("server.stale-nonce", f.Lookup("stale-nonce")))
	mustBind(v.BindPFlag("filter.peer.no-multicast", f.Lookup("no-multicast-peers")))
	mustBind(v.BindPFlag("filter.peer.no-loopback", f.Lookup("no-loopback-peers")))
	mustBind(v.BindPFlag("filter.peer.allowed-ip", f.Lookup("allowed-peer-ip")))
	mustBind(v.BindPFlag("filter.peer.denied-ip", f.Lookup("denied-peer-ip")))
	mustBind(v.BindPFlag("server.max-lifetime", f.Lookup("max-allocate-timeout")))
	mustBind(v.BindPFlag("auth.stun", f.Lookup("secure-stun")))

	mustBind(v.BindPFlag("server.cert", f.Lookup("cert")))
	mustBind(v.BindPFlag("server.pkey", f.Lookup("pkey")))
	mustBind(v.BindPFlag("server.cipher-list", f.Lookup("cipher-list")))
	mustBind(v.BindPFlag("server.alternate-server", f.Lookup("alternate-server")))
	mustBind(v.BindPFlag("server.tls-alternate-server", f.Lookup("tls-alternate-server")))

	mustBind(v.BindPFlag("server.pidfile", f.Lookup("pidfile")))

	root.AddCommand(getKeyCmd())
	root.AddCommand(getReloadCmd(v))
	return root
}
