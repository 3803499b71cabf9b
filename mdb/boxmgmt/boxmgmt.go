// Package boxmgmt owns the per-user database files and builds the
// mailbox.Loader that materializes a mailbox.User on first cache miss.
// Adapted from spilldb/boxmgmt, which opened and cached *spillbox.Box
// handles the same way; here it additionally joins in the account row
// from mdb/db's global Users table, since mailbox.User carries fields
// (Name, keys, Flags) that the teacher kept split across spillbox and
// spilldb/db lookups at each call site instead of one Loader.
package boxmgmt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"crawshaw.io/sqlite/sqlitex"

	"magma.email/mailbox"
	"magma.email/mdb/userdb"
)

// BoxMgmt opens and caches per-user userdb.DB handles, and exposes a
// mailbox.Loader bound to those handles plus the global account
// database for mailbox.NewCache.
type BoxMgmt struct {
	globalDB *sqlitex.Pool
	dbdir    string // empty means in-memory per-user databases

	mu    sync.Mutex
	boxes map[mailbox.UserNum]*userdb.DB
}

func New(globalDB *sqlitex.Pool, dbdir string) *BoxMgmt {
	return &BoxMgmt{
		globalDB: globalDB,
		dbdir:    dbdir,
		boxes:    make(map[mailbox.UserNum]*userdb.DB),
	}
}

// Open returns the cached per-user database for userNum, opening it on
// first access.
func (bm *BoxMgmt) Open(userNum mailbox.UserNum) (*userdb.DB, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if db, ok := bm.boxes[userNum]; ok {
		return db, nil
	}

	dbfile := ""
	if bm.dbdir != "" {
		dir := filepath.Join(bm.dbdir, "users")
		if err := os.MkdirAll(dir, 0770); err != nil {
			return nil, err
		}
		dbfile = filepath.Join(dir, fmt.Sprintf("magma_user%d.db", int64(userNum)))
	}

	db, err := userdb.Open(userNum, dbfile, 4)
	if err != nil {
		return nil, err
	}
	bm.boxes[userNum] = db
	return db, nil
}

func (bm *BoxMgmt) Close() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	var err error
	for _, db := range bm.boxes {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Loader builds a mailbox.Loader that joins the global account row for
// name with that account's per-user folder/message database, ready to
// hand to mailbox.NewCache.
func (bm *BoxMgmt) Loader() mailbox.Loader {
	return func(name string) (*mailbox.User, error) {
		ctx := context.Background()
		conn := bm.globalDB.Get(ctx)
		if conn == nil {
			return nil, context.Canceled
		}
		defer bm.globalDB.Put(conn)

		stmt := conn.Prep(`SELECT Users.UserID, Users.FullName, Users.VerificationToken, Users.PrivateKeyBlob, Users.PublicKey, Users.Flags
			FROM Users INNER JOIN UserAddresses ON Users.UserID = UserAddresses.UserID
			WHERE UserAddresses.Address = $name;`)
		stmt.SetText("$name", name)
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			return nil, fmt.Errorf("boxmgmt: unknown user %q", name)
		}

		userNum := mailbox.UserNum(stmt.GetInt64("UserID"))
		user := &mailbox.User{
			UserNum:           userNum,
			Name:              stmt.GetText("FullName"),
			VerificationToken: stmt.GetBytes("VerificationToken"),
			PrivateKeyBlob:    stmt.GetBytes("PrivateKeyBlob"),
			PublicKey:         stmt.GetBytes("PublicKey"),
			Flags:             mailbox.UserFlags(stmt.GetInt64("Flags")),
		}

		box, err := bm.Open(userNum)
		if err != nil {
			return nil, err
		}
		uconn := box.RO(ctx)
		defer box.PutRO(uconn)

		tree, messages, err := userdb.LoadTree(uconn)
		if err != nil {
			return nil, err
		}
		aliases, err := userdb.LoadAliases(uconn)
		if err != nil {
			return nil, err
		}

		user.Folders = tree
		user.Messages = messages
		user.Aliases = aliases
		return user, nil
	}
}
