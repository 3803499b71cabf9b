package smtpd

import (
	"bytes"
	"context"
	"testing"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"magma.email/mdb/db"
	"magma.email/storage/tank"
)

func mkPool(t *testing.T) *sqlitex.Pool {
	t.Helper()
	const flags = sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE | sqlite.SQLITE_OPEN_URI | sqlite.SQLITE_OPEN_SHAREDCACHE
	pool, err := sqlitex.Open("file::memory:?mode=memory&cache=shared", flags, 8)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	conn := pool.Get(context.Background())
	defer pool.Put(conn)
	if err := db.Init(conn); err != nil {
		t.Fatal(err)
	}
	return pool
}

func mkTank(t *testing.T) *tank.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := tank.Open(1, []string{dir + "/tank.1.db"}, dir+"/system.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return a.s }

func TestNewMessageStagesAcceptedRecipient(t *testing.T) {
	pool := mkPool(t)
	tankStore := mkTank(t)
	filer := iox.NewFiler(0)

	conn := pool.Get(context.Background())
	_, _, err := db.AddUser(conn, db.UserDetails{
		FullName:  "Rae Recipient",
		EmailAddr: "rae@example.com",
		Password:  []byte("hunter2hunter2"),
	})
	pool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}

	var doneID int64
	maker := New(context.Background(), pool, filer, tankStore, nil, "mail.example.com", func(stagingID int64) {
		doneID = stagingID
	}, nil)

	sm, err := maker.NewMessage(fakeAddr{"203.0.113.5:5555"}, []byte("sender@elsewhere.example"), 0)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := sm.AddRecipient([]byte("rae@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected local recipient to be accepted")
	}

	ok, err = sm.AddRecipient([]byte("nobody@elsewhere.example"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected non-local recipient to be rejected for an unauthenticated sender")
	}

	msgText := []byte("From: sender@elsewhere.example\r\nTo: rae@example.com\r\nSubject: hi\r\n\r\nhello there\r\n")
	for _, line := range bytes.SplitAfter(msgText, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if err := sm.Write(line); err != nil {
			t.Fatal(err)
		}
	}

	if err := sm.Close(); err != nil {
		t.Fatal(err)
	}
	if doneID == 0 {
		t.Fatal("expected msgDoneFn to be called with a non-zero staging ID")
	}

	conn = pool.Get(context.Background())
	defer pool.Put(conn)
	stmt := conn.Prep(`SELECT DeliveryState FROM MsgRecipients WHERE StagingID = $id AND Recipient = $recipient;`)
	stmt.SetInt64("$id", doneID)
	stmt.SetText("$recipient", "rae@example.com")
	hasRow, err := stmt.Step()
	if err != nil {
		t.Fatal(err)
	}
	if !hasRow {
		t.Fatal("expected a MsgRecipients row for the accepted recipient")
	}
	if got := db.DeliveryState(stmt.GetInt64("DeliveryState")); got != db.DeliveryToProcess {
		t.Fatalf("DeliveryState = %v, want DeliveryToProcess", got)
	}
}

func TestSplitHeaders(t *testing.T) {
	raw := []byte("Subject: hi\r\n\r\nbody here")
	headers, body := splitHeaders(raw)
	if string(headers) != "Subject: hi\r\n\r\n" {
		t.Fatalf("headers = %q", headers)
	}
	if string(body) != "body here" {
		t.Fatalf("body = %q", body)
	}
}
