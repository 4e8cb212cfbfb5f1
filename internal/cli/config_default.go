package cli

// defaultConfigFileContent is parsed when no config file is found on
// any of the search paths and none is given via --config: a minimal,
// well-commented starting point that documents every key the rest of
// the package reads out of viper.
const defaultConfigFileContent = `
version: "1"

server:
  realm: turngate.local
  workers: 100
  software: ""
  reuseport: true
  listen:
    - 0.0.0.0:3478
  listening-ip: []
  aux-server: []
  relay-ip: []
  external-ip: ""
  listening-port: 3478
  tls-listening-port: 5349
  alt-listening-port: 0
  min-port: 49152
  max-port: 65535
  max-bps: 0
  max-lifetime: 1h
  default-lifetime: 10m
  stale-nonce: 0s
  no-udp: false
  no-tcp: false
  no-tls: false
  no-dtls: false
  no-udp-relay: false
  no-tcp-relay: false
  cert: ""
  pkey: ""
  cipher-list: ""
  alternate-server: ""
  tls-alternate-server: ""
  pidfile: ""
  debug:
    collect: false
  prometheus:
    active: true

auth:
  stun: false
  public: true
  static: []
  user: []
  cli-separator: ":"
  use-auth-secret: false
  static-auth-secret: []
  user-quota: 0
  total-quota: 0

filter:
  peer:
    action: allow
    rules: []
    no-multicast: false
    no-loopback: false
    allowed-ip: []
    denied-ip: []
  client:
    action: allow
    rules: []
`
