package courier

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"
	"time"

	"github.com/dtolnay/mailingset/internal/expvarom"
	"github.com/dtolnay/mailingset/internal/smtp"
	"github.com/dtolnay/mailingset/internal/trace"
)

var (
	// Timeouts for SMTP delivery.
	smtpDialTimeout  = 1 * time.Minute
	smtpTotalTimeout = 10 * time.Minute
)

// Exported variables.
var (
	tlsCount = expvarom.NewMap("mailingset/smtpOut/tlsCount",
		"result", "count of TLS status on outgoing connections")
)

// Smarthost delivers all outgoing mail through one configured SMTP
// server, the way the relay's operator set it up. There is no MX lookup:
// the smarthost is the next hop for everything.
type Smarthost struct {
	HelloDomain string
	Server      string
	Port        int
}

// Deliver an email. On failures, returns an error, and whether or not it
// is permanent.
func (s *Smarthost) Deliver(from string, to string, data []byte) (error, bool) {
	tr := trace.New("Courier.Smarthost", to)
	defer tr.Finish()
	tr.Debugf("%s  ->  %s", from, to)

	// smtp.Client.Mail will add the <> for us when the address is empty.
	if from == "<>" {
		from = ""
	}

	addr := net.JoinHostPort(s.Server, strconv.Itoa(s.Port))

	skipTLS := false
retry:
	conn, err := net.DialTimeout("tcp", addr, smtpDialTimeout)
	if err != nil {
		return tr.Errorf("Could not dial: %v", err), false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(smtpTotalTimeout))

	c, err := smtp.NewClient(conn, s.Server)
	if err != nil {
		return tr.Errorf("Error creating client: %v", err), false
	}

	if err = c.Hello(s.HelloDomain); err != nil {
		return tr.Errorf("Error saying hello: %v", err), false
	}

	if ok, _ := c.Extension("STARTTLS"); ok && !skipTLS {
		config := &tls.Config{
			ServerName: s.Server,

			// Smarthosts often use self-signed or otherwise invalid
			// certificates. We use a custom verification (identical to
			// Go's) so we can tell valid from invalid apart in the
			// metrics, but deliver either way: the smarthost is
			// operator-configured, not an arbitrary destination.
			InsecureSkipVerify: true,
			VerifyConnection: func(cs tls.ConnectionState) error {
				verifyConnection(tr, cs)
				return nil
			},
		}

		err = c.StartTLS(config)
		if err != nil {
			// If we could not complete a jump to TLS (either because the
			// STARTTLS command itself failed server-side, or because we
			// got a TLS negotiation error), retry but without trying to
			// use TLS. This should be quite rare, but it can happen if
			// the server certificate is not parseable by the Go library,
			// or if it has a broken TLS stack.
			tlsCount.Add("tls:failed", 1)
			tr.Errorf("TLS error, retrying without TLS: %v", err)
			skipTLS = true
			conn.Close()
			goto retry
		}
	} else {
		tlsCount.Add("plain", 1)
		tr.Debugf("Insecure - NOT using TLS")
	}

	if err = c.MailAndRcpt(from, to); err != nil {
		return tr.Errorf("MAIL+RCPT %v", err), smtp.IsPermanent(err)
	}

	w, err := c.Data()
	if err != nil {
		return tr.Errorf("DATA %v", err), smtp.IsPermanent(err)
	}
	if _, err = w.Write(data); err != nil {
		return tr.Errorf("DATA writing: %v", err), smtp.IsPermanent(err)
	}
	if err = w.Close(); err != nil {
		return tr.Errorf("DATA closing %v", err), smtp.IsPermanent(err)
	}

	_ = c.Quit()
	tr.Debugf("done")

	return nil, false
}

// CA roots to validate against, so we can override it for testing.
var certRoots *x509.CertPool = nil

func verifyConnection(tr *trace.Trace, cs tls.ConnectionState) {
	// Validate certificates using the same logic Go does, following the
	// official example at
	// https://pkg.go.dev/crypto/tls#example-Config-VerifyConnection.
	opts := x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Intermediates: x509.NewCertPool(),
		Roots:         certRoots,
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)

	if err != nil {
		tr.Debugf("Insecure - using TLS, but with an invalid cert")
		tlsCount.Add("tls:insecure", 1)
	} else {
		tlsCount.Add("tls:secure", 1)
		tr.Debugf("Secure - using TLS")
	}
}
