package boxmgmt

import (
	"context"
	"testing"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"magma.email/mailbox"
	"magma.email/mdb/db"
	"magma.email/mdb/userdb"
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

func TestLoaderJoinsGlobalAndPerUserState(t *testing.T) {
	globalDB := mkGlobalDB(t)
	conn := globalDB.Get(context.Background())
	userID, _, err := db.AddUser(conn, db.UserDetails{
		FullName:  "Dana Example",
		EmailAddr: "dana@example.com",
		Password:  []byte("hunter2hunter2"),
	})
	globalDB.Put(conn)
	if err != nil {
		t.Fatal(err)
	}

	bm := New(globalDB, "")
	box, err := bm.Open(mailbox.UserNum(userID))
	if err != nil {
		t.Fatal(err)
	}
	uconn := box.RW(context.Background())
	if _, err := userdb.CreateFolder(uconn, 0, "Archive", 0); err != nil {
		box.PutRW(uconn)
		t.Fatal(err)
	}
	box.PutRW(uconn)

	cache := mailbox.NewCache(bm.Loader())
	user, _, err := cache.Acquire(mailbox.ProtoIMAP, "dana@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if user.Name != "Dana Example" {
		t.Fatalf("Name = %q, want %q", user.Name, "Dana Example")
	}
	found := false
	for _, num := range user.Folders.Children(0) {
		if f, _ := user.Folders.Get(num); f.Name == "Archive" {
			found = true
		}
	}
	if !found {
		t.Fatal("Archive folder created via userdb did not surface through the Loader")
	}
}
