// Package userdb manages one user's per-account SQLite database: the
// folder tree and meta-message index described in spec §3. It is the
// folder-tree-model counterpart of the teacher's spilldb/spillbox,
// which indexed Gmail-style labels/conversations/contacts instead.
package userdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"magma.email/mailbox"
)

// DB is a single user's per-account database handle, split into a
// read-write pool of size 1 and an optional read-only pool, mirroring
// spilldb/spillbox.Box's PoolRW/PoolRO split (SQLite allows only one
// writer at a time; readers proceed concurrently against the WAL).
type DB struct {
	UserNum mailbox.UserNum

	poolRW *sqlitex.Pool
	poolRO *sqlitex.Pool
}

// Open opens (creating if necessary) the per-user database file at
// dbfile, or an in-memory database if dbfile is empty.
func Open(userNum mailbox.UserNum, dbfile string, poolSize int) (_ *DB, err error) {
	db := &DB{UserNum: userNum}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	if dbfile == "" {
		dbfile = fmt.Sprintf("file:magma_user%d?mode=memory&cache=shared", int64(userNum))
	}

	flags := sqlite.SQLITE_OPEN_SHAREDCACHE | sqlite.SQLITE_OPEN_WAL | sqlite.SQLITE_OPEN_URI
	flagsRW := flags | sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE

	db.poolRW, err = sqlitex.Open(dbfile, flagsRW, 1)
	if err != nil {
		return nil, err
	}
	conn := db.poolRW.Get(nil)
	err = initDB(conn)
	db.poolRW.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("userdb.Open: init: %v", err)
	}

	if poolSize > 1 {
		flagsRO := flags | sqlite.SQLITE_OPEN_READONLY
		db.poolRO, err = sqlitex.Open(dbfile, flagsRO, poolSize-1)
		if err != nil {
			return nil, err
		}
	} else {
		db.poolRO = db.poolRW
	}

	return db, nil
}

func initDB(conn *sqlite.Conn) (err error) {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	defer sqlitex.Save(conn)(&err)
	return sqlitex.ExecScript(conn, createSQL)
}

func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	var err error
	if db.poolRW != nil {
		err = db.poolRW.Close()
	}
	if db.poolRO != nil && db.poolRO != db.poolRW {
		if cerr := db.poolRO.Close(); err == nil {
			err = cerr
		}
	}
	db.poolRW, db.poolRO = nil, nil
	return err
}

// RW and RO acquire a read-write or read-only connection from the
// appropriate pool. Callers must return it with Put.
func (db *DB) RW(ctx context.Context) *sqlite.Conn { return db.poolRW.Get(ctx) }
func (db *DB) PutRW(conn *sqlite.Conn)             { db.poolRW.Put(conn) }
func (db *DB) RO(ctx context.Context) *sqlite.Conn { return db.poolRO.Get(ctx) }
func (db *DB) PutRO(conn *sqlite.Conn)             { db.poolRO.Put(conn) }

// LoadTree reads every folder and meta-message row into memory,
// building the structures mailbox.User holds. This is the per-user
// half of a mailbox.Loader: the caller still needs the account row
// (name, keys, flags) from mdb/db's global Users table to finish
// building a *mailbox.User.
func LoadTree(conn *sqlite.Conn) (*mailbox.FolderTree, map[mailbox.MessageNum]*mailbox.Message, error) {
	tree := mailbox.NewFolderTree()

	type row struct {
		num    mailbox.FolderNum
		parent mailbox.FolderNum
		name   string
		order  int
	}
	var rows []row
	stmt := conn.Prep(`SELECT FolderNum, Parent, Name, SortOrder FROM Folders ORDER BY Parent, SortOrder;`)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, nil, err
		}
		if !hasRow {
			break
		}
		rows = append(rows, row{
			num:    mailbox.FolderNum(stmt.GetInt64("FolderNum")),
			parent: mailbox.FolderNum(stmt.GetInt64("Parent")),
			name:   stmt.GetText("Name"),
			order:  int(stmt.GetInt64("SortOrder")),
		})
	}

	// Insert breadth-first (parents before children) so FolderTree.Insert's
	// parent-exists check always succeeds; the ORDER BY above already
	// groups by Parent but does not guarantee ancestors precede
	// descendants, so sort explicitly by depth first.
	for inserted := true; inserted && len(rows) > 0; {
		inserted = false
		var remaining []row
		for _, r := range rows {
			if r.parent != 0 {
				if _, ok := tree.Get(r.parent); !ok {
					remaining = append(remaining, r)
					continue
				}
			}
			if err := tree.Insert(&mailbox.Folder{FolderNum: r.num, Parent: r.parent, Name: r.name, Order: r.order}); err != nil {
				return nil, nil, fmt.Errorf("userdb.LoadTree: folder %d: %w", r.num, err)
			}
			inserted = true
		}
		rows = remaining
	}
	if len(rows) > 0 {
		return nil, nil, fmt.Errorf("userdb.LoadTree: %d folder rows have no reachable parent", len(rows))
	}

	messages := make(map[mailbox.MessageNum]*mailbox.Message)
	stmt = conn.Prep(`SELECT MessageNum, FolderNum, Size, Server, Status, SigNum, SigKey, Tags, Created, Hidden FROM Messages;`)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, nil, err
		}
		if !hasRow {
			break
		}
		var tags []string
		if raw := stmt.GetText("Tags"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &tags); err != nil {
				return nil, nil, fmt.Errorf("userdb.LoadTree: bad Tags JSON: %w", err)
			}
		}
		num := mailbox.MessageNum(stmt.GetInt64("MessageNum"))
		messages[num] = &mailbox.Message{
			MessageNum: num,
			FolderNum:  mailbox.FolderNum(stmt.GetInt64("FolderNum")),
			Size:       stmt.GetInt64("Size"),
			Server:     stmt.GetText("Server"),
			Status:     mailbox.Status(stmt.GetInt64("Status")),
			SigNum:     stmt.GetInt64("SigNum"),
			SigKey:     stmt.GetBytes("SigKey"),
			Tags:       tags,
			Created:    time.Unix(stmt.GetInt64("Created"), 0),
			Hidden:     stmt.GetInt64("Hidden") != 0,
		}
	}

	return tree, messages, nil
}

// CreateFolder inserts a new folder row, returning its assigned
// FolderNum. Callers are expected to have already validated the
// parent/name against an in-memory mailbox.FolderTree and bump the
// FOLDERS serial (cache.Cache) afterward so other sessions notice.
func CreateFolder(conn *sqlite.Conn, parent mailbox.FolderNum, name string, order int) (mailbox.FolderNum, error) {
	stmt := conn.Prep(`INSERT INTO Folders (Parent, Name, SortOrder) VALUES ($parent, $name, $order);`)
	stmt.SetInt64("$parent", int64(parent))
	stmt.SetText("$name", name)
	stmt.SetInt64("$order", int64(order))
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return mailbox.FolderNum(conn.LastInsertRowID()), nil
}

// FindOrCreateFolder returns the FolderNum of the top-level folder
// named name, creating it (with the given sort order) if it does not
// already exist. Used to resolve the well-known Inbox folder before
// the first message ever lands in a mailbox.
func FindOrCreateFolder(conn *sqlite.Conn, name string, order int) (mailbox.FolderNum, error) {
	stmt := conn.Prep(`SELECT FolderNum FROM Folders WHERE Parent = 0 AND Name = $name;`)
	stmt.SetText("$name", name)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if hasRow {
		num := mailbox.FolderNum(stmt.GetInt64("FolderNum"))
		stmt.Reset()
		return num, nil
	}
	return CreateFolder(conn, 0, name, order)
}

func MoveFolder(conn *sqlite.Conn, num, newParent mailbox.FolderNum) error {
	stmt := conn.Prep(`UPDATE Folders SET Parent = $parent WHERE FolderNum = $num;`)
	stmt.SetInt64("$parent", int64(newParent))
	stmt.SetInt64("$num", int64(num))
	_, err := stmt.Step()
	return err
}

func RenameFolder(conn *sqlite.Conn, num mailbox.FolderNum, name string) error {
	stmt := conn.Prep(`UPDATE Folders SET Name = $name WHERE FolderNum = $num;`)
	stmt.SetText("$name", name)
	stmt.SetInt64("$num", int64(num))
	_, err := stmt.Step()
	return err
}

// DeleteFolders removes the given folder rows and every message filed
// in them, the persistence half of mailbox.FolderTree.Delete's cascade.
func DeleteFolders(conn *sqlite.Conn, nums []mailbox.FolderNum) (err error) {
	if len(nums) == 0 {
		return nil
	}
	defer sqlitex.Save(conn)(&err)

	for _, num := range nums {
		stmt := conn.Prep(`DELETE FROM Messages WHERE FolderNum = $num;`)
		stmt.SetInt64("$num", int64(num))
		if _, err := stmt.Step(); err != nil {
			return err
		}
		stmt = conn.Prep(`DELETE FROM Folders WHERE FolderNum = $num;`)
		stmt.SetInt64("$num", int64(num))
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}
	return nil
}

// InsertMessage records a meta-message already stored in the content-
// addressed tank (storage/engine.Store), per the two-phase store
// protocol of spec §4.3: the blob is durable before this row exists.
func InsertMessage(conn *sqlite.Conn, m *mailbox.Message, objectKey string) (mailbox.MessageNum, error) {
	tagsJSON := "[]"
	if len(m.Tags) > 0 {
		b, err := json.Marshal(m.Tags)
		if err != nil {
			return 0, err
		}
		tagsJSON = string(b)
	}

	stmt := conn.Prep(`INSERT INTO Messages
		(FolderNum, Size, Server, ObjectKey, Status, SigNum, SigKey, Tags, Created, Hidden)
		VALUES ($folder, $size, $server, $objectKey, $status, $signum, $sigkey, $tags, $created, FALSE);`)
	stmt.SetInt64("$folder", int64(m.FolderNum))
	stmt.SetInt64("$size", m.Size)
	stmt.SetText("$server", m.Server)
	stmt.SetText("$objectKey", objectKey)
	stmt.SetInt64("$status", int64(m.Status))
	stmt.SetInt64("$signum", m.SigNum)
	stmt.SetBytes("$sigkey", m.SigKey)
	stmt.SetText("$tags", tagsJSON)
	created := m.Created
	if created.IsZero() {
		created = time.Now()
	}
	stmt.SetInt64("$created", created.Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return mailbox.MessageNum(conn.LastInsertRowID()), nil
}

// SetStatus updates a message's status bitmask, e.g. toggling
// mailbox.StatusDeleted/StatusSeen from an IMAP STORE or POP DELE.
func SetStatus(conn *sqlite.Conn, num mailbox.MessageNum, status mailbox.Status) error {
	stmt := conn.Prep(`UPDATE Messages SET Status = $status WHERE MessageNum = $num;`)
	stmt.SetInt64("$status", int64(status))
	stmt.SetInt64("$num", int64(num))
	_, err := stmt.Step()
	return err
}

// HideMessage marks a message hidden -- never returned to clients but
// retained in the index until explicit expunge, per spec §3 and the
// storage/engine missing/corrupt-file failure semantics.
func HideMessage(conn *sqlite.Conn, num mailbox.MessageNum) error {
	stmt := conn.Prep(`UPDATE Messages SET Hidden = TRUE WHERE MessageNum = $num;`)
	stmt.SetInt64("$num", int64(num))
	_, err := stmt.Step()
	return err
}

// ObjectKey returns the content-addressed key a message's body is
// stored under, for handing to storage/engine.Load.
func ObjectKey(conn *sqlite.Conn, num mailbox.MessageNum) (string, error) {
	stmt := conn.Prep(`SELECT ObjectKey FROM Messages WHERE MessageNum = $num;`)
	stmt.SetInt64("$num", int64(num))
	hasRow, err := stmt.Step()
	if err != nil {
		return "", err
	}
	if !hasRow {
		return "", fmt.Errorf("userdb.ObjectKey: no such message %d", num)
	}
	return stmt.GetText("ObjectKey"), nil
}

// Expunge permanently deletes every message in nums -- the commit step
// for messages marked StatusDeleted (IMAP EXPUNGE, POP QUIT).
func Expunge(conn *sqlite.Conn, nums []mailbox.MessageNum) (err error) {
	if len(nums) == 0 {
		return nil
	}
	defer sqlitex.Save(conn)(&err)
	for _, num := range nums {
		stmt := conn.Prep(`DELETE FROM Messages WHERE MessageNum = $num;`)
		stmt.SetInt64("$num", int64(num))
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}
	return nil
}

// upperAddress normalizes an address the way Aliases stores it:
// lower-cased, matching mdb/db's UserAddresses convention.
func upperAddress(addr string) string { return strings.ToLower(addr) }

// AddAlias inserts or updates one of the user's aliases.
func AddAlias(conn *sqlite.Conn, a mailbox.Alias) error {
	stmt := conn.Prep(`INSERT INTO Aliases (Address, DisplayName, Selected) VALUES ($addr, $name, $selected)
		ON CONFLICT (Address) DO UPDATE SET DisplayName = $name, Selected = $selected;`)
	stmt.SetText("$addr", upperAddress(a.Address))
	stmt.SetText("$name", a.DisplayName)
	stmt.SetBool("$selected", a.Selected)
	_, err := stmt.Step()
	return err
}

func LoadAliases(conn *sqlite.Conn) ([]*mailbox.Alias, error) {
	var aliases []*mailbox.Alias
	stmt := conn.Prep(`SELECT Address, DisplayName, Selected FROM Aliases;`)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		aliases = append(aliases, &mailbox.Alias{
			Address:     stmt.GetText("Address"),
			DisplayName: stmt.GetText("DisplayName"),
			Selected:    stmt.GetInt64("Selected") != 0,
		})
	}
	return aliases, nil
}
