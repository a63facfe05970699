package fauxnet

import "time"

// Mode selects which NAT chain interception rules are installed in.
type Mode string

const (
	// ModeLoopback intercepts only traffic originated by the local host
	// (OUTPUT chain). This is the safe default for detonating malware on
	// the analysis host itself.
	ModeLoopback Mode = "loopback"

	// ModeGateway intercepts traffic arriving from other hosts
	// (PREROUTING chain). The host must already be configured to forward
	// packets; fauxnet does not enable forwarding itself.
	ModeGateway Mode = "gateway"
)

// Config is the validated configuration consumed by the orchestrator.
// Callers (the CLI, the GUI) are responsible for validation; the core
// only reads it. The zero value is not useful, start from DefaultConfig.
type Config struct {
	// BindIP is the address every responder listens on.
	// Default: "0.0.0.0"
	BindIP string `yaml:"bind_ip"`

	// Mode selects loopback or gateway interception.
	// Default: ModeLoopback
	Mode Mode `yaml:"mode"`

	// AutoRedirect controls whether NAT redirect rules are installed
	// around responder startup. When false the caller is expected to
	// route traffic to the responders by other means.
	// Default: true
	AutoRedirect bool `yaml:"auto_redirect"`

	// Interface optionally constrains gateway-mode rules to one inbound
	// interface. Empty means all interfaces. Ignored in loopback mode.
	Interface string `yaml:"interface"`

	// ExcludedPorts are destination ports exempted from the catch-all
	// redirect (e.g. 22 so an analyst SSH session survives).
	// Default: [22]
	ExcludedPorts []uint16 `yaml:"excluded_ports"`

	DNS      DNSConfig      `yaml:"dns"`
	HTTP     HTTPConfig     `yaml:"http"`
	HTTPS    HTTPSConfig    `yaml:"https"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	POP3     POP3Config     `yaml:"pop3"`
	IMAP     IMAPConfig     `yaml:"imap"`
	FTP      FTPConfig      `yaml:"ftp"`
	CatchAll CatchAllConfig `yaml:"catch_all"`
}

// DNSConfig configures the fake DNS responder.
type DNSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    uint16 `yaml:"port"`

	// ResolveTo is the address every hostname resolves to unless
	// overridden by Records. Default: "127.0.0.1"
	ResolveTo string `yaml:"resolve_to"`

	// TTL applied to every synthesized record. Default: 300
	TTL uint32 `yaml:"ttl"`

	// HandlePTR answers reverse lookups with PTRName when true; PTR
	// queries return no answer when false. Default: true
	HandlePTR bool `yaml:"handle_ptr"`

	// PTRName is the fixed name returned for reverse lookups.
	// Default: "fauxnet.local"
	PTRName string `yaml:"ptr_name"`

	// Records maps hostnames to override addresses, matched
	// case-insensitively and short-circuiting ResolveTo.
	Records map[string]string `yaml:"records"`
}

// HTTPConfig configures the plaintext HTTP responder. The HTTPS
// responder shares these fields via HTTPSConfig.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    uint16 `yaml:"port"`

	// ResponseCode is the status returned to every request. Default: 200
	ResponseCode int `yaml:"response_code"`

	// ResponseBody is the canned body. Ignored when BodyFile is set.
	ResponseBody string `yaml:"response_body"`

	// BodyFile, when set, is loaded once at bind time and served as the
	// body of every response.
	BodyFile string `yaml:"body_file"`

	// ServerHeader is the spoofed Server: value. Default: "Apache/2.4.51"
	ServerHeader string `yaml:"server_header"`

	// LogRequests logs sanitized method/path/peer per request. Default: true
	LogRequests bool `yaml:"log_requests"`

	// Workers bounds concurrent in-flight requests; excess connections
	// queue rather than spawning unbounded handlers. Default: 50
	Workers int `yaml:"workers"`

	// DelayMin/DelayMax add an artificial delay before each response to
	// defeat timing-based sandbox detection. Equal values give a fixed
	// delay; DelayMax > DelayMin picks uniformly from the range.
	// Default: 0 (disabled)
	DelayMin time.Duration `yaml:"delay_min"`
	DelayMax time.Duration `yaml:"delay_max"`

	// SpoofIPHosts are host headers (typically "what is my IP" services)
	// whose responses carry SpoofIP as the body instead of the canned
	// body, defeating public-IP sandbox checks.
	SpoofIPHosts []string `yaml:"spoof_ip_hosts"`

	// SpoofIP is the fake public address substituted for SpoofIPHosts.
	SpoofIP string `yaml:"spoof_ip"`
}

// HTTPSConfig configures the TLS variant of the HTTP responder.
// Certificate material is consumed by path; fauxnet never generates it.
type HTTPSConfig struct {
	HTTPConfig `yaml:",inline"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SMTPConfig configures the fake SMTP responder.
type SMTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    uint16 `yaml:"port"`

	// Hostname is announced in the EHLO reply. Default: "mail.fauxnet.local"
	Hostname string `yaml:"hostname"`

	// Banner is the greeting line. Default: "220 mail.fauxnet.local ESMTP"
	Banner string `yaml:"banner"`

	// SaveMail persists received message bodies as artifacts.
	// Default: true
	SaveMail bool `yaml:"save_mail"`

	// MailDir is the artifact directory. Default: "logs/emails"
	MailDir string `yaml:"mail_dir"`

	// MaxMessageBytes caps a single message body. Oversized messages
	// still complete the SMTP transaction but are discarded.
	// Default: 5 MiB
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// StorageBudgetBytes caps cumulative bytes written for all saved
	// messages. Default: 100 MiB
	StorageBudgetBytes int64 `yaml:"storage_budget_bytes"`

	// IdleTimeout closes sessions that stop sending. Default: 30s
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// POP3Config configures the fake POP3 responder. Any credential pair is
// accepted and the maildrop is always empty.
type POP3Config struct {
	Enabled     bool          `yaml:"enabled"`
	Port        uint16        `yaml:"port"`
	Hostname    string        `yaml:"hostname"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// IMAPConfig configures the fake IMAP responder. Any LOGIN succeeds and
// INBOX is always empty.
type IMAPConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Port        uint16        `yaml:"port"`
	Hostname    string        `yaml:"hostname"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// FTPConfig configures the fake FTP responder. Only passive mode is
// offered; PORT is refused unconditionally.
type FTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    uint16 `yaml:"port"`

	// Banner is the greeting line. Default: "220 FTP Server Ready"
	Banner string `yaml:"banner"`

	// AllowUploads persists STOR payloads as artifacts. When false,
	// uploads are drained and discarded while still reporting success.
	// Default: true
	AllowUploads bool `yaml:"allow_uploads"`

	// UploadDir is the artifact directory. Default: "logs/ftp_uploads"
	UploadDir string `yaml:"upload_dir"`

	// MaxUploadBytes caps a single upload. Default: 50 MiB
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// StorageBudgetBytes caps cumulative upload bytes. Default: 200 MiB
	StorageBudgetBytes int64 `yaml:"storage_budget_bytes"`

	// PasvPortLow/PasvPortHigh bound the ephemeral data-channel range.
	// Default: 50000-51000
	PasvPortLow  uint16 `yaml:"pasv_port_low"`
	PasvPortHigh uint16 `yaml:"pasv_port_high"`

	// IdleTimeout closes control sessions that stop sending. Default: 30s
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// CatchAllConfig configures the fallback responders that receive every
// connection not matched by a named service or an exclusion.
type CatchAllConfig struct {
	// TCPEnabled serves the TCP fallback port. Default: true
	TCPEnabled bool   `yaml:"redirect_tcp"`
	TCPPort    uint16 `yaml:"tcp_port"`

	// UDPEnabled serves the UDP fallback port. Disabled by default since
	// blanket UDP interception risks breaking unrelated protocols.
	UDPEnabled bool   `yaml:"redirect_udp"`
	UDPPort    uint16 `yaml:"udp_port"`

	// Banner is written to every accepted TCP connection. Default: "200 OK"
	Banner string `yaml:"banner"`

	// SessionTimeout bounds how long a catch-all TCP session may live.
	// Default: 10s
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// LogPreview logs a sanitized preview of the first bytes a client
	// sends. Default: true
	LogPreview bool `yaml:"log_preview"`
}

// DefaultConfig provides the settings malware analysis typically wants:
// every service enabled on its well-known port, loopback interception,
// SSH excluded from the catch-all.
func DefaultConfig() Config {
	return Config{
		BindIP:        "0.0.0.0",
		Mode:          ModeLoopback,
		AutoRedirect:  true,
		ExcludedPorts: []uint16{22},
		DNS: DNSConfig{
			Enabled:   true,
			Port:      53,
			ResolveTo: "127.0.0.1",
			TTL:       300,
			HandlePTR: true,
			PTRName:   "fauxnet.local",
		},
		HTTP: HTTPConfig{
			Enabled:      true,
			Port:         80,
			ResponseCode: 200,
			ResponseBody: "<html><body><h1>200 OK</h1></body></html>",
			ServerHeader: "Apache/2.4.51",
			LogRequests:  true,
			Workers:      50,
			SpoofIPHosts: []string{
				"api.ipify.org", "ifconfig.me", "icanhazip.com",
				"checkip.amazonaws.com", "ident.me", "ipinfo.io",
				"myexternalip.com", "wtfismyip.com",
			},
		},
		HTTPS: HTTPSConfig{
			HTTPConfig: HTTPConfig{
				Enabled:      true,
				Port:         443,
				ResponseCode: 200,
				ResponseBody: "<html><body><h1>200 OK</h1></body></html>",
				ServerHeader: "Apache/2.4.51",
				LogRequests:  true,
				Workers:      50,
			},
			CertFile: "certs/server.crt",
			KeyFile:  "certs/server.key",
		},
		SMTP: SMTPConfig{
			Enabled:            true,
			Port:               25,
			Hostname:           "mail.fauxnet.local",
			Banner:             "220 mail.fauxnet.local ESMTP",
			SaveMail:           true,
			MailDir:            "logs/emails",
			MaxMessageBytes:    5 << 20,
			StorageBudgetBytes: 100 << 20,
			IdleTimeout:        30 * time.Second,
		},
		POP3: POP3Config{
			Enabled:     true,
			Port:        110,
			Hostname:    "mail.fauxnet.local",
			IdleTimeout: 30 * time.Second,
		},
		IMAP: IMAPConfig{
			Enabled:     true,
			Port:        143,
			Hostname:    "mail.fauxnet.local",
			IdleTimeout: 30 * time.Second,
		},
		FTP: FTPConfig{
			Enabled:            true,
			Port:               21,
			Banner:             "220 FTP Server Ready",
			AllowUploads:       true,
			UploadDir:          "logs/ftp_uploads",
			MaxUploadBytes:     50 << 20,
			StorageBudgetBytes: 200 << 20,
			PasvPortLow:        50000,
			PasvPortHigh:       51000,
			IdleTimeout:        30 * time.Second,
		},
		CatchAll: CatchAllConfig{
			TCPEnabled:     true,
			TCPPort:        9999,
			UDPEnabled:     false,
			UDPPort:        9998,
			Banner:         "200 OK",
			SessionTimeout: 10 * time.Second,
			LogPreview:     true,
		},
	}
}
