package pop

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"magma.email/mailbox"
)

type fakeBackend struct {
	messages map[mailbox.MessageNum][]byte
	expunged []mailbox.MessageNum
}

func (b *fakeBackend) Login(ctx context.Context, user, pass []byte, remoteAddr string) (mailbox.UserNum, error) {
	if string(user) != "alice" || string(pass) != "secret" {
		return 0, errors.New("bad credentials")
	}
	return 1, nil
}

func (b *fakeBackend) Snapshot(ctx context.Context, userNum mailbox.UserNum) ([]MetaMessage, error) {
	var out []MetaMessage
	for num, data := range b.messages {
		out = append(out, MetaMessage{Num: num, Size: int64(len(data)), UIDL: "uid-" + num.String()})
	}
	return out, nil
}

func (b *fakeBackend) Retrieve(ctx context.Context, userNum mailbox.UserNum, num mailbox.MessageNum) (io.ReadCloser, error) {
	data, ok := b.messages[num]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (b *fakeBackend) Expunge(ctx context.Context, userNum mailbox.UserNum, nums []mailbox.MessageNum) error {
	b.expunged = append(b.expunged, nums...)
	for _, n := range nums {
		delete(b.messages, n)
	}
	return nil
}

func startServer(t *testing.T, backend Backend) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	s := &Server{Backend: backend, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	go s.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type client struct {
	conn net.Conn
	br   *bufio.Reader
}

func newClient(conn net.Conn) *client {
	return &client{conn: conn, br: bufio.NewReader(conn)}
}

func (c *client) readLine(t *testing.T) string {
	t.Helper()
	line, err := c.br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatal(err)
	}
}

func TestPOP3SessionHappyPath(t *testing.T) {
	backend := &fakeBackend{messages: map[mailbox.MessageNum][]byte{
		1: []byte("Subject: hi\r\n\r\nbody one"),
		2: []byte("Subject: bye\r\n\r\nbody two"),
	}}
	conn := startServer(t, backend)
	c := newClient(conn)

	c.readLine(t) // greeting

	c.send(t, "USER alice")
	if got := c.readLine(t); !strings.HasPrefix(got, "+OK") {
		t.Fatalf("USER reply = %q", got)
	}
	c.send(t, "PASS secret")
	if got := c.readLine(t); !strings.HasPrefix(got, "+OK") {
		t.Fatalf("PASS reply = %q", got)
	}

	c.send(t, "STAT")
	stat := c.readLine(t)
	if !strings.HasPrefix(stat, "+OK 2 ") {
		t.Fatalf("STAT reply = %q", stat)
	}

	c.send(t, "DELE 1")
	if got := c.readLine(t); !strings.HasPrefix(got, "+OK") {
		t.Fatalf("DELE reply = %q", got)
	}

	c.send(t, "STAT")
	stat = c.readLine(t)
	if !strings.HasPrefix(stat, "+OK 1 ") {
		t.Fatalf("STAT after DELE = %q, want count 1", stat)
	}

	c.send(t, "QUIT")
	if got := c.readLine(t); !strings.HasPrefix(got, "+OK") {
		t.Fatalf("QUIT reply = %q", got)
	}

	time.Sleep(50 * time.Millisecond)
	if len(backend.expunged) != 1 {
		t.Fatalf("expunged = %v, want exactly 1 message", backend.expunged)
	}
}

func TestPOP3BadLoginRejected(t *testing.T) {
	backend := &fakeBackend{messages: map[mailbox.MessageNum][]byte{}}
	conn := startServer(t, backend)
	c := newClient(conn)
	c.readLine(t)

	c.send(t, "USER alice")
	c.readLine(t)
	c.send(t, "PASS wrong")
	if got := c.readLine(t); !strings.HasPrefix(got, "-ERR") {
		t.Fatalf("PASS with wrong password = %q, want -ERR", got)
	}

	c.send(t, "STAT")
	if got := c.readLine(t); !strings.HasPrefix(got, "-ERR") {
		t.Fatalf("STAT before auth = %q, want -ERR", got)
	}
}

func TestPOP3RsetClearsDeletions(t *testing.T) {
	backend := &fakeBackend{messages: map[mailbox.MessageNum][]byte{1: []byte("a\r\n\r\nb")}}
	conn := startServer(t, backend)
	c := newClient(conn)
	c.readLine(t)
	c.send(t, "USER alice")
	c.readLine(t)
	c.send(t, "PASS secret")
	c.readLine(t)

	c.send(t, "DELE 1")
	c.readLine(t)
	c.send(t, "RSET")
	c.readLine(t)

	c.send(t, "STAT")
	stat := c.readLine(t)
	if !strings.HasPrefix(stat, "+OK 1 ") {
		t.Fatalf("STAT after RSET = %q, want the message restored", stat)
	}
}
