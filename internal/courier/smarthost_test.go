package courier

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeServer implements a minimal SMTP server for testing, without TLS.
// It records what the client sent.
type fakeServer struct {
	addr     string
	rcptCode int

	gotFrom string
	gotTo   string
	gotData string
	done    chan struct{}
}

func newFakeServer(t *testing.T, rcptCode int) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	fs := &fakeServer{
		addr:     l.Addr().String(),
		rcptCode: rcptCode,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(fs.done)
		defer l.Close()

		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		r := bufio.NewReader(conn)
		w := func(s string) { conn.Write([]byte(s + "\r\n")) }

		w("220 fake server ready")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")

			switch {
			case strings.HasPrefix(line, "EHLO"):
				w("250-fake")
				w("250 8BITMIME")
			case strings.HasPrefix(line, "MAIL FROM:"):
				fs.gotFrom = line
				w("250 ok")
			case strings.HasPrefix(line, "RCPT TO:"):
				fs.gotTo = line
				w(strconv.Itoa(fs.rcptCode) + " rcpt")
			case line == "DATA":
				w("354 go ahead")
				for {
					dline, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if strings.TrimRight(dline, "\r\n") == "." {
						break
					}
					fs.gotData += dline
				}
				w("250 queued")
			case line == "QUIT":
				w("221 bye")
				return
			default:
				w("500 unknown")
			}
		}
	}()

	return fs
}

func smarthostFor(t *testing.T, fs *fakeServer) *Smarthost {
	t.Helper()
	host, portS, err := net.SplitHostPort(fs.addr)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portS)
	return &Smarthost{HelloDomain: "hello.test", Server: host, Port: port}
}

func TestDeliver(t *testing.T) {
	fs := newFakeServer(t, 250)
	s := smarthostFor(t, fs)

	err, permanent := s.Deliver(
		"from@sender.test", "to@rcpt.test", []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Deliver: %v (permanent=%v)", err, permanent)
	}
	<-fs.done

	if !strings.Contains(fs.gotFrom, "<from@sender.test>") {
		t.Errorf("unexpected MAIL: %q", fs.gotFrom)
	}
	if !strings.Contains(fs.gotTo, "<to@rcpt.test>") {
		t.Errorf("unexpected RCPT: %q", fs.gotTo)
	}
	if !strings.Contains(fs.gotData, "body") {
		t.Errorf("unexpected data: %q", fs.gotData)
	}
}

func TestDeliverPermanentError(t *testing.T) {
	fs := newFakeServer(t, 550)
	s := smarthostFor(t, fs)

	err, permanent := s.Deliver("from@sender.test", "to@rcpt.test", []byte("d"))
	if err == nil {
		t.Fatal("expected an error, got none")
	}
	if !permanent {
		t.Errorf("550 should be a permanent error")
	}
}

func TestDeliverConnectionRefused(t *testing.T) {
	// Get a port that is not listening.
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	host, portS, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portS)
	s := &Smarthost{HelloDomain: "hello.test", Server: host, Port: port}

	err, permanent := s.Deliver("a@b", "c@d", []byte("d"))
	if err == nil {
		t.Fatal("expected an error, got none")
	}
	if permanent {
		t.Errorf("connection refused should be a temporary error")
	}
}
