// mailingset is an SMTP server that delivers mail to set expressions over
// mailing lists: an address like alist_&_blist@example.com reaches the
// people on both lists, with the subject tagged accordingly.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"

	"github.com/dtolnay/mailingset/internal/config"
	"github.com/dtolnay/mailingset/internal/courier"
	"github.com/dtolnay/mailingset/internal/maillog"
	"github.com/dtolnay/mailingset/internal/queue"
	"github.com/dtolnay/mailingset/internal/relay"
	"github.com/dtolnay/mailingset/internal/smtpsrv"
	"github.com/dtolnay/mailingset/internal/state"
)

// Command-line flags.
var (
	configPath = flag.String("config", "/etc/mailingset/mailingset.conf",
		"configuration file")
	configOverrides = flag.String("config_overrides", "",
		"override configuration values (in YAML)")
	showVer = flag.Bool("version", false, "show version and exit")
)

func main() {
	flag.Parse()
	log.Init()

	parseVersionInfo()
	if *showVer {
		fmt.Printf("mailingset %s (source date: %s)\n", version, sourceDate)
		return
	}

	log.Infof("mailingset starting (version %s)", version)

	conf, err := config.Load(*configPath, *configOverrides)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	initMailLog(conf.MailLogPath)

	go signalHandler()

	if conf.MonitoringAddress != "" {
		go launchMonitoringServer(conf)
	}

	// The membership snapshot is loaded once; it is immutable for the
	// lifetime of the process.
	st, err := state.Load(
		conf.Data.ListsDir, conf.Data.SymbolsFile, conf.Incoming.Domain)
	if err != nil {
		log.Fatalf("Error loading lists: %v", err)
	}
	log.Infof("Loaded %d lists: %v", len(st.Lists()), st.Lists())

	smarthost := &courier.Smarthost{
		HelloDomain: conf.Hostname,
		Server:      conf.Outgoing.Server,
		Port:        conf.Outgoing.Port,
	}
	q := queue.New(smarthost)
	q.MaxItems = conf.MaxQueueItems
	q.GiveUpAfter = conf.GiveUpSendAfterDuration()

	s := smtpsrv.NewServer(relay.New(st.Resolve, conf.Incoming.Domain), q)
	s.Hostname = conf.Hostname
	s.Domain = conf.Incoming.Domain
	s.MaxDataSize = conf.MaxDataSizeMB * 1024 * 1024
	s.CheckSPF = conf.Incoming.CheckSPF
	s.EnvelopeSender = conf.Outgoing.EnvelopeSender
	s.ArchiveAddr = conf.Outgoing.ArchiveAddr

	if err := s.AddAcceptFrom(conf.Incoming.AcceptFrom); err != nil {
		log.Fatalf("Error in accept_from: %v", err)
	}

	if conf.Data.UserDB != "" {
		n, err := s.AddUserDB(conf.Incoming.Domain, conf.Data.UserDB)
		if err != nil {
			log.Fatalf("Error loading userdb: %v", err)
		}
		log.Infof("Loaded %d users for %q", n, conf.Incoming.Domain)
	}

	loadCerts(s)

	// Load the addresses and listeners.
	systemdLs, err := systemd.Listeners()
	if err != nil {
		log.Fatalf("Error getting systemd listeners: %v", err)
	}

	naddr := loadAddresses(s, conf.Incoming.SMTPAddress,
		systemdLs["smtp"], smtpsrv.ModeSMTP)
	naddr += loadAddresses(s, conf.Incoming.SubmissionAddress,
		systemdLs["submission"], smtpsrv.ModeSubmission)

	if naddr == 0 {
		log.Fatalf("No address to listen on")
	}

	s.ListenAndServe()
}

// loadCerts loads certificates from "certs/<dir>/{fullchain,privkey}.pem"
// next to the config file. The structure matches letsencrypt's, to make it
// easier for that case. Certificates are optional: without them the server
// just doesn't offer STARTTLS or AUTH.
func loadCerts(s *smtpsrv.Server) {
	certsDir := filepath.Join(filepath.Dir(*configPath), "certs")
	dirs, err := os.ReadDir(certsDir)
	if err != nil {
		log.Infof("No certificates directory: %v", err)
		return
	}

	for _, info := range dirs {
		if !info.IsDir() {
			continue
		}
		dir := filepath.Join(certsDir, info.Name())

		certPath := filepath.Join(dir, "fullchain.pem")
		keyPath := filepath.Join(dir, "privkey.pem")
		if _, err := os.Stat(certPath); os.IsNotExist(err) {
			continue
		}
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			continue
		}

		log.Infof("Loading certificate %q", info.Name())
		if err := s.AddCerts(certPath, keyPath); err != nil {
			log.Fatalf("  %v", err)
		}
	}
}

func loadAddresses(srv *smtpsrv.Server, addrs []string, ls []net.Listener, mode smtpsrv.SocketMode) int {
	naddr := 0
	for _, addr := range addrs {
		// The "systemd" address indicates we get listeners via systemd.
		if addr == "systemd" {
			srv.AddListeners(ls, mode)
			naddr += len(ls)
		} else {
			srv.AddAddr(addr, mode)
			naddr++
		}
	}

	if naddr == 0 {
		log.Errorf("Warning: No %v addresses/listeners", mode)
		log.Errorf("If using systemd, check that you named the sockets")
	}
	return naddr
}

func initMailLog(path string) {
	var err error

	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		maillog.Default, err = maillog.NewFile(path)
	}

	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
}

func signalHandler() {
	var err error

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for {
		switch sig := <-signals; sig {
		case syscall.SIGHUP:
			// SIGHUP triggers a reopen of the log files. This is used for
			// log rotation.
			err = log.Default.Reopen()
			if err != nil {
				log.Fatalf("Error reopening log: %v", err)
			}

			err = maillog.Default.Reopen()
			if err != nil {
				log.Fatalf("Error reopening maillog: %v", err)
			}
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}
