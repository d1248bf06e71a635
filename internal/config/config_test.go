package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const minimal = `
incoming:
  domain: set.example.com
data:
  lists_dir: /data/lists
  symbols_file: /data/symbols.txt
outgoing:
  server: smtp.example.com
`

func mustLoad(t *testing.T, contents, overrides string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailingset.conf")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path, overrides)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return c
}

func TestDefaults(t *testing.T) {
	c := mustLoad(t, minimal, "")

	hostname, _ := os.Hostname()
	expected := &Config{
		Hostname: hostname,
		Incoming: Incoming{
			Domain:      "set.example.com",
			SMTPAddress: []string{"systemd"},
		},
		Data: Data{
			ListsDir:    "/data/lists",
			SymbolsFile: "/data/symbols.txt",
		},
		Outgoing: Outgoing{
			Server: "smtp.example.com",
			Port:   25,
		},
		MailLogPath:     "<syslog>",
		MaxDataSizeMB:   50,
		MaxQueueItems:   200,
		GiveUpSendAfter: "20h",
	}

	if diff := cmp.Diff(expected, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	if c.GiveUpSendAfterDuration() != 20*time.Hour {
		t.Errorf("unexpected give-up duration: %v", c.GiveUpSendAfterDuration())
	}
}

func TestFullConfig(t *testing.T) {
	c := mustLoad(t, `
hostname: mx1
incoming:
  domain: set.example.com
  smtp_address: [":25"]
  submission_address: [":587"]
  accept_from: ["10.0.0.0/8", "192.168.0.0/16"]
  check_spf: true
data:
  lists_dir: /data/lists
  symbols_file: /data/symbols.txt
  userdb: /data/users
outgoing:
  server: smtp.example.com
  port: 2525
  envelope_sender: bounces@example.com
  archive_addr: archive@example.com
monitoring_address: "localhost:1099"
mail_log_path: "<stdout>"
max_data_size_mb: 10
max_queue_items: 50
give_up_send_after: 1h
`, "")

	if c.Hostname != "mx1" || c.Outgoing.Port != 2525 ||
		!c.Incoming.CheckSPF || c.MaxDataSizeMB != 10 {
		t.Errorf("unexpected config: %+v", c)
	}
	if len(c.Incoming.AcceptFrom) != 2 {
		t.Errorf("unexpected accept_from: %v", c.Incoming.AcceptFrom)
	}
}

func TestOverrides(t *testing.T) {
	c := mustLoad(t, minimal, "hostname: overridden\nmax_queue_items: 7")
	if c.Hostname != "overridden" || c.MaxQueueItems != 7 {
		t.Errorf("override not applied: %+v", c)
	}
}

func TestErrors(t *testing.T) {
	if _, err := Load("/does/not/exist", ""); err == nil {
		t.Errorf("expected error on missing file")
	}

	cases := []struct {
		conf string
		want string
	}{
		{"incoming: [unclosed\n", "parsing config"},
		{strings.Replace(minimal, "domain: set.example.com", "", 1),
			"incoming.domain is required"},
		{strings.Replace(minimal, "server: smtp.example.com", "", 1),
			"outgoing.server is required"},
		{minimal + "give_up_send_after: nonsense\n",
			"invalid give_up_send_after"},
	}
	for _, c := range cases {
		path := filepath.Join(t.TempDir(), "c.conf")
		if err := os.WriteFile(path, []byte(c.conf), 0600); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path, "")
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Errorf("expected %q error, got %v", c.want, err)
		}
	}
}
