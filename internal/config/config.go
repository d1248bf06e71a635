// Package config implements the mailingset configuration.
//
// The configuration is a YAML file, with a section per concern: incoming
// mail, membership data, and outgoing mail. See doc/mailingset.conf for a
// commented example.
package config

import (
	"fmt"
	"os"
	"time"

	"blitiri.com.ar/go/log"
	"gopkg.in/yaml.v3"
)

// Config for the mailingset daemon.
type Config struct {
	// Hostname to use in SMTP banners and Received headers.
	// Defaults to the machine's hostname.
	Hostname string `yaml:"hostname"`

	Incoming Incoming `yaml:"incoming"`
	Data     Data     `yaml:"data"`
	Outgoing Outgoing `yaml:"outgoing"`

	// Address for the monitoring HTTP server. Do NOT expose this to the
	// public internet.
	MonitoringAddress string `yaml:"monitoring_address"`

	// Where to write the mail log: a path, "<syslog>", "<stdout>" or
	// "<stderr>".
	MailLogPath string `yaml:"mail_log_path"`

	// Maximum message size, in megabytes.
	MaxDataSizeMB int64 `yaml:"max_data_size_mb"`

	// Maximum number of items in the send queue.
	MaxQueueItems int `yaml:"max_queue_items"`

	// How long to keep retrying delivery of a message.
	GiveUpSendAfter string `yaml:"give_up_send_after"`
}

// Incoming mail settings.
type Incoming struct {
	// Domain that set-expression addresses live under. Only mail for this
	// domain is accepted.
	Domain string `yaml:"domain"`

	// Addresses to listen on. The special value "systemd" takes the
	// sockets from systemd socket activation.
	SMTPAddress       []string `yaml:"smtp_address"`
	SubmissionAddress []string `yaml:"submission_address"`

	// CIDR networks we accept mail from. Empty means everywhere.
	AcceptFrom []string `yaml:"accept_from"`

	// Check SPF on incoming MAIL FROM, and reject on "fail".
	CheckSPF bool `yaml:"check_spf"`
}

// Data locations for the membership snapshot and users.
type Data struct {
	// Directory with one file per mailing list.
	ListsDir string `yaml:"lists_dir"`

	// File with "listname:SYMBOL" lines.
	SymbolsFile string `yaml:"symbols_file"`

	// User database for submission authentication. Optional.
	UserDB string `yaml:"userdb"`
}

// Outgoing mail settings.
type Outgoing struct {
	// Server and port all outgoing mail is submitted through.
	Server string `yaml:"server"`
	Port   int    `yaml:"port"`

	// Envelope sender for relayed messages.
	EnvelopeSender string `yaml:"envelope_sender"`

	// Address added to every recipient set, for archival. Optional.
	ArchiveAddr string `yaml:"archive_addr"`
}

var defaultConfig = &Config{
	Incoming: Incoming{
		SMTPAddress: []string{"systemd"},
	},
	Outgoing: Outgoing{
		Port: 25,
	},
	MailLogPath:     "<syslog>",
	MaxDataSizeMB:   50,
	MaxQueueItems:   200,
	GiveUpSendAfter: "20h",
}

// Load the config from the given file, with the given overrides (also in
// YAML, useful for the command line and tests).
func Load(path, overrides string) (*Config, error) {
	// Start with a copy of the default config.
	c := *defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}
	if err := yaml.Unmarshal(buf, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}

	if overrides != "" {
		if err := yaml.Unmarshal([]byte(overrides), &c); err != nil {
			return nil, fmt.Errorf("parsing override: %v", err)
		}
	}

	// Handle hostname separately, because if it is set, we don't need to
	// call os.Hostname which can fail.
	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if c.Incoming.Domain == "" {
		return nil, fmt.Errorf("incoming.domain is required")
	}
	if c.Data.ListsDir == "" || c.Data.SymbolsFile == "" {
		return nil, fmt.Errorf("data.lists_dir and data.symbols_file are required")
	}
	if c.Outgoing.Server == "" {
		return nil, fmt.Errorf("outgoing.server is required")
	}
	if _, err := time.ParseDuration(c.GiveUpSendAfter); err != nil {
		return nil, fmt.Errorf(
			"invalid give_up_send_after value %q: %v", c.GiveUpSendAfter, err)
	}

	return &c, nil
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Incoming domain: %q", c.Incoming.Domain)
	log.Infof("  SMTP addresses: %q", c.Incoming.SMTPAddress)
	log.Infof("  Submission addresses: %q", c.Incoming.SubmissionAddress)
	log.Infof("  Accept from: %q", c.Incoming.AcceptFrom)
	log.Infof("  Check SPF: %v", c.Incoming.CheckSPF)
	log.Infof("  Lists dir: %q", c.Data.ListsDir)
	log.Infof("  Symbols file: %q", c.Data.SymbolsFile)
	log.Infof("  User database: %q", c.Data.UserDB)
	log.Infof("  Outgoing server: %s:%d", c.Outgoing.Server, c.Outgoing.Port)
	log.Infof("  Envelope sender: %q", c.Outgoing.EnvelopeSender)
	log.Infof("  Archive address: %q", c.Outgoing.ArchiveAddr)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
	log.Infof("  Mail log: %q", c.MailLogPath)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMB)
	log.Infof("  Max queue items: %d", c.MaxQueueItems)
	log.Infof("  Give up send after: %s", c.GiveUpSendAfterDuration())
}

// GiveUpSendAfterDuration returns the GiveUpSendAfter value as a Duration.
func (c *Config) GiveUpSendAfterDuration() time.Duration {
	// We validate the string value at config load time, so we know it is
	// well formed.
	d, _ := time.ParseDuration(c.GiveUpSendAfter)
	return d
}
