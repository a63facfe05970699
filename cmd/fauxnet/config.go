package main

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/go-appsec/fauxnet/pkg/fauxnet"
)

// LoadConfig loads configuration from a YAML file, applying defaults for
// unset values. A missing file is not an error: the defaults form a
// complete working setup.
func LoadConfig(path string) (fauxnet.Config, error) {
	cfg := fauxnet.DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	// Unmarshal over defaults - YAML only overwrites fields present in file
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ValidateConfig rejects configurations the orchestrator cannot act on.
func ValidateConfig(cfg fauxnet.Config) error {
	if net.ParseIP(cfg.BindIP) == nil {
		return fmt.Errorf("bind_ip %q is not a valid IP address", cfg.BindIP)
	}
	if cfg.Mode != fauxnet.ModeLoopback && cfg.Mode != fauxnet.ModeGateway {
		return fmt.Errorf("mode %q must be %q or %q", cfg.Mode, fauxnet.ModeLoopback, fauxnet.ModeGateway)
	}
	if cfg.Mode == fauxnet.ModeGateway && cfg.Interface != "" {
		if _, err := net.InterfaceByName(cfg.Interface); err != nil {
			return fmt.Errorf("interface %q: %w", cfg.Interface, err)
		}
	}
	for name, port := range enabledPorts(cfg) {
		if port == 0 {
			return fmt.Errorf("%s is enabled but has no port", name)
		}
	}
	if cfg.DNS.Enabled && net.ParseIP(cfg.DNS.ResolveTo) == nil {
		return fmt.Errorf("dns resolve_to %q is not a valid IP address", cfg.DNS.ResolveTo)
	}
	for name, ip := range cfg.DNS.Records {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("dns record %q maps to invalid IP %q", name, ip)
		}
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.ResponseCode < 100 || cfg.HTTP.ResponseCode > 599) {
		return fmt.Errorf("http response_code %d out of range", cfg.HTTP.ResponseCode)
	}
	if cfg.HTTPS.Enabled && (cfg.HTTPS.ResponseCode < 100 || cfg.HTTPS.ResponseCode > 599) {
		return fmt.Errorf("https response_code %d out of range", cfg.HTTPS.ResponseCode)
	}
	if cfg.FTP.Enabled && cfg.FTP.PasvPortLow > cfg.FTP.PasvPortHigh {
		return fmt.Errorf("ftp passive range %d-%d is inverted", cfg.FTP.PasvPortLow, cfg.FTP.PasvPortHigh)
	}
	return nil
}

// enabledPorts maps each enabled service to its configured port.
func enabledPorts(cfg fauxnet.Config) map[string]uint16 {
	ports := make(map[string]uint16)
	if cfg.DNS.Enabled {
		ports["dns"] = cfg.DNS.Port
	}
	if cfg.HTTP.Enabled {
		ports["http"] = cfg.HTTP.Port
	}
	if cfg.HTTPS.Enabled {
		ports["https"] = cfg.HTTPS.Port
	}
	if cfg.SMTP.Enabled {
		ports["smtp"] = cfg.SMTP.Port
	}
	if cfg.POP3.Enabled {
		ports["pop3"] = cfg.POP3.Port
	}
	if cfg.IMAP.Enabled {
		ports["imap"] = cfg.IMAP.Port
	}
	if cfg.FTP.Enabled {
		ports["ftp"] = cfg.FTP.Port
	}
	if cfg.CatchAll.TCPEnabled {
		ports["catch-all tcp"] = cfg.CatchAll.TCPPort
	}
	if cfg.CatchAll.UDPEnabled {
		ports["catch-all udp"] = cfg.CatchAll.UDPPort
	}
	return ports
}
