package localsender

import (
	"context"
	"testing"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"magma.email/mailbox"
	"magma.email/mdb/boxmgmt"
	"magma.email/mdb/db"
	"magma.email/mdb/userdb"
	"magma.email/storage/tank"
)

func mkGlobalDB(t *testing.T) *sqlitex.Pool {
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

func TestDeliverOneInsertsIntoInbox(t *testing.T) {
	globalDB := mkGlobalDB(t)
	tankStore := mkTank(t)

	conn := globalDB.Get(context.Background())
	userID, _, err := db.AddUser(conn, db.UserDetails{
		FullName:  "Eve Example",
		EmailAddr: "eve@example.com",
		Password:  []byte("hunter2hunter2"),
	})
	if err != nil {
		globalDB.Put(conn)
		t.Fatal(err)
	}

	key, err := tankStore.Store(uint64(userID), []byte("From: a@b.com\r\n\r\nhello"), 0)
	if err != nil {
		globalDB.Put(conn)
		t.Fatal(err)
	}

	stagingID, err := db.StageMsg(conn, userID, "a@b.com", key.String(), map[string]string{"eve@example.com": "standard"})
	globalDB.Put(conn)
	if err != nil {
		t.Fatal(err)
	}

	conn = globalDB.Get(context.Background())
	stmt := conn.Prep(`UPDATE MsgRecipients SET DeliveryState = $state WHERE StagingID = $id;`)
	stmt.SetInt64("$state", int64(db.DeliveryReceived))
	stmt.SetInt64("$id", stagingID)
	if _, err := stmt.Step(); err != nil {
		globalDB.Put(conn)
		t.Fatal(err)
	}
	stmt = conn.Prep(`UPDATE Msgs SET ReadyDate = 1 WHERE StagingID = $id;`)
	stmt.SetInt64("$id", stagingID)
	if _, err := stmt.Step(); err != nil {
		globalDB.Put(conn)
		t.Fatal(err)
	}
	globalDB.Put(conn)

	bm := boxmgmt.New(globalDB, "")
	defer bm.Close()

	ls := New(globalDB, bm, tankStore, nil)
	if err := ls.sendForUser(userID); err != nil {
		t.Fatal(err)
	}

	box, err := bm.Open(mailbox.UserNum(userID))
	if err != nil {
		t.Fatal(err)
	}
	uconn := box.RO(context.Background())
	defer box.PutRO(uconn)

	tree, messages, err := userdb.LoadTree(uconn)
	if err != nil {
		t.Fatal(err)
	}
	var inbox mailbox.FolderNum
	for _, num := range tree.Children(0) {
		if f, _ := tree.Get(num); f.Name == InboxName {
			inbox = num
		}
	}
	if inbox == 0 {
		t.Fatal("Inbox folder was not created")
	}
	found := false
	for _, m := range messages {
		if m.FolderNum == inbox {
			found = true
			if m.Size == 0 {
				t.Fatal("expected message Size to be populated from tank content")
			}
		}
	}
	if !found {
		t.Fatal("expected a message delivered into Inbox")
	}
}
