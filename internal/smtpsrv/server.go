// Package smtpsrv implements the mailingset SMTP server and connection
// handler.
package smtpsrv

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/dtolnay/mailingset/internal/auth"
	"github.com/dtolnay/mailingset/internal/maillog"
	"github.com/dtolnay/mailingset/internal/queue"
	"github.com/dtolnay/mailingset/internal/relay"
	"github.com/dtolnay/mailingset/internal/userdb"
)

// Server represents an SMTP server instance.
type Server struct {
	// Main hostname, used for display only.
	Hostname string

	// Domain that recipient expressions live under.
	Domain string

	// Maximum data size.
	MaxDataSize int64

	// Check SPF on incoming mail.
	CheckSPF bool

	// Envelope sender for relayed messages; when empty the original
	// sender is kept.
	EnvelopeSender string

	// Address added to every recipient set, for archival.
	ArchiveAddr string

	// Addresses to listen on.
	addrs map[SocketMode][]string

	// Listeners (that came via systemd).
	listeners map[SocketMode][]net.Listener

	// TLS config (including loaded certificates); nil until a
	// certificate is added.
	tlsConfig *tls.Config

	// Networks we accept mail from.
	acceptFrom []*net.IPNet

	// Authenticator.
	authr *auth.Authenticator

	// Expression evaluator.
	relay *relay.Relay

	// Queue where we put incoming mail.
	queue *queue.Queue

	// Time before we give up on a connection, even if it's sending data.
	connTimeout time.Duration

	// Time we wait for command round-trips (excluding DATA).
	commandTimeout time.Duration
}

// NewServer returns a new Server which evaluates recipients with the given
// relay and queues mail on the given queue.
func NewServer(r *relay.Relay, q *queue.Queue) *Server {
	return &Server{
		addrs:     map[SocketMode][]string{},
		listeners: map[SocketMode][]net.Listener{},

		authr: auth.NewAuthenticator(),
		relay: r,
		queue: q,

		connTimeout:    20 * time.Minute,
		commandTimeout: 1 * time.Minute,
	}
}

// AddCerts (TLS) to the server.
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}

	if s.tlsConfig == nil {
		// Disable session tickets; as a small server we don't benefit
		// much, and it simplifies reasoning about resumption.
		s.tlsConfig = &tls.Config{
			SessionTicketsDisabled: true,
		}
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

// AddAddr adds an address for the server to listen on.
func (s *Server) AddAddr(a string, m SocketMode) {
	s.addrs[m] = append(s.addrs[m], a)
}

// AddListeners adds listeners for the server to listen on.
func (s *Server) AddListeners(ls []net.Listener, m SocketMode) {
	s.listeners[m] = append(s.listeners[m], ls...)
}

// AddAcceptFrom registers the networks we accept mail from. An empty list
// means everywhere.
func (s *Server) AddAcceptFrom(cidrs []string) error {
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("invalid accept_from network %q: %v", cidr, err)
		}
		s.acceptFrom = append(s.acceptFrom, network)
	}
	return nil
}

// AddUserDB loads the given user database and uses it to authenticate
// submission users on the given domain. Returns the number of users.
func (s *Server) AddUserDB(domain, path string) (int, error) {
	udb, err := userdb.Load(path)
	if err != nil {
		return 0, err
	}

	s.authr.Register(domain, auth.WrapNoErrorBackend(udb))
	return udb.Len(), nil
}

// ListenAndServe on the addresses and listeners that were previously
// added. This function will not return.
func (s *Server) ListenAndServe() {
	if s.tlsConfig == nil {
		log.Errorf("No TLS certificates found; STARTTLS and AUTH disabled")
	}

	for m, addrs := range s.addrs {
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				log.Fatalf("Error listening: %v", err)
			}

			log.Infof("Server listening on %s (%v)", addr, m)
			maillog.Listening(addr)
			go s.serve(l, m)
		}
	}

	for m, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("Server listening on %s (%v, via systemd)", l.Addr(), m)
			maillog.Listening(l.Addr().String())
			go s.serve(l, m)
		}
	}

	// Never return. If the serve goroutines have problems, they will
	// abort execution.
	for {
		time.Sleep(24 * time.Hour)
	}
}

func (s *Server) serve(l net.Listener, mode SocketMode) {
	for {
		conn, err := l.Accept()
		if err != nil {
			log.Fatalf("Error accepting: %v", err)
		}

		sc := &Conn{
			hostname:       s.Hostname,
			domain:         s.Domain,
			maxDataSize:    s.MaxDataSize,
			conn:           conn,
			mode:           mode,
			tlsConfig:      s.tlsConfig,
			checkSPF:       s.CheckSPF,
			acceptFrom:     s.acceptFrom,
			authr:          s.authr,
			relay:          s.relay,
			queue:          s.queue,
			envelopeSender: s.EnvelopeSender,
			archiveAddr:    s.ArchiveAddr,
			deadline:       time.Now().Add(s.connTimeout),
			commandTimeout: s.commandTimeout,
		}
		go sc.Handle()
	}
}
