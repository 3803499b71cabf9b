// Package tank implements magma's content-addressed storage engine:
// a round-robin set of blob banks ("tanks"), each object identified by
// a host/tank/user/object number key, with an optional compression
// pass on the stored body.
//
// Grounded on original_source/src/providers/storage/tank.c. The C
// version keeps each tank in a Tokyo Cabinet hash database file, with
// object metadata packed into a fixed record_t header ahead of the
// body; crawshaw.io/sqlite (the teacher's storage layer throughout
// spilldb) plays the TCHDB role here, with one SQLite database file
// per tank, and the record_t header's fields (flags, length, a
// checksum standing in for the C version's trust in TCHDB's own
// integrity checking) becoming ordinary columns alongside the Content
// BLOB instead of a packed struct prefix. The store/delete paths
// retain tank.c's two-phase shape: an insert into the tank's Objects
// table followed by an insert into the separate system index, rolled
// back on failure so the two can never disagree about which objects
// exist.
package tank

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"magma.email/storage/compress"
)

// Flags records how an object's body is encoded on disk.
type Flags uint32

const (
	FlagCompressZLIB Flags = 1 << iota
	FlagCompressBZIP2
	FlagEncrypted
)

func (f Flags) engine() compress.Engine {
	switch {
	case f&FlagCompressZLIB != 0:
		return compress.ZLIB
	case f&FlagCompressBZIP2 != 0:
		return compress.BZIP2
	default:
		return compress.None
	}
}

// Key identifies a stored object, built as object.<host>.<tank>.<user>.<onum>
// per tank.c's snprintf("object.%lu.%lu.%lu.%lu", ...) key scheme.
type Key struct {
	Host uint64
	Tank uint64
	User uint64
	Obj  uint64
}

func (k Key) String() string {
	return fmt.Sprintf("object.%d.%d.%d.%d", k.Host, k.Tank, k.User, k.Obj)
}

// ParseKey reverses Key.String, for callers that persisted the string
// form (e.g. as a column value) and need to Load or Delete the object
// again.
func ParseKey(s string) (Key, error) {
	var k Key
	n, err := fmt.Sscanf(s, "object.%d.%d.%d.%d", &k.Host, &k.Tank, &k.User, &k.Obj)
	if err != nil || n != 4 {
		return Key{}, fmt.Errorf("tank: invalid object key %q", s)
	}
	return k, nil
}

var (
	ErrLengthMismatch = errors.New("tank: stored length does not match record header")
	ErrBadChecksum    = errors.New("tank: object checksum mismatch")
	ErrNotFound       = errors.New("tank: object not found")
	ErrDecompress     = errors.New("tank: decompress failed")
)

// Store is a set of round-robin tanks plus the system index tracking
// which tank holds which object number.
type Store struct {
	host uint64

	mu     sync.Mutex
	next   int
	tanks  []*sqlitex.Pool
	system *sqlitex.Pool
}

// Open opens (creating if necessary) a fixed-size set of tank database
// files plus a system index database, mirroring tank_start's fixed
// tanks_num array of TCHDB handles.
func Open(host uint64, tankFiles []string, systemFile string) (*Store, error) {
	if len(tankFiles) == 0 {
		return nil, errors.New("tank: at least one tank file is required")
	}
	s := &Store{host: host}
	for _, f := range tankFiles {
		pool, err := openTankDB(f)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("tank: opening %q: %w", f, err)
		}
		s.tanks = append(s.tanks, pool)
	}
	sysPool, err := openTankDB(systemFile)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("tank: opening system index %q: %w", systemFile, err)
	}
	s.system = sysPool
	return s, nil
}

func openTankDB(file string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(file, 0)
	if err != nil {
		return nil, err
	}
	if err := sqlitex.ExecScript(conn, tankSchema); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Close(); err != nil {
		return nil, err
	}
	return sqlitex.Open(file, 0, 8)
}

const tankSchema = `
CREATE TABLE IF NOT EXISTS Objects (
	ObjectNum INTEGER PRIMARY KEY,
	UserNum   INTEGER NOT NULL,
	Flags     INTEGER NOT NULL,
	Length    INTEGER NOT NULL,
	Checksum  BLOB NOT NULL,
	Created   INTEGER NOT NULL,
	Content   BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS SystemIndex (
	ObjectKey TEXT PRIMARY KEY,
	TankNum   INTEGER NOT NULL,
	ObjectNum INTEGER NOT NULL,
	Created   INTEGER NOT NULL
);
`

// Cycle returns the next tank number in round-robin order, mirroring
// tank_cycle.
func (s *Store) Cycle() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next = (s.next + 1) % len(s.tanks)
	return uint64(n)
}

// Store writes data to the next tank in the cycle under the given
// user number, applying the requested compression engine, and returns
// the assigned Key.
func (s *Store) Store(userNum uint64, data []byte, flags Flags) (Key, error) {
	tnum := s.Cycle()
	pool := s.tanks[tnum]

	engine := flags.engine()
	body, err := compress.Compress(engine, data)
	if err != nil {
		return Key{}, fmt.Errorf("tank: compress: %w", err)
	}
	sum := sha256.Sum256(data)

	conn := pool.Get(nil)
	defer pool.Put(conn)

	var onum int64
	err = sqlitex.Exec(conn, `INSERT INTO Objects (UserNum, Flags, Length, Checksum, Created, Content)
		VALUES (?, ?, ?, ?, ?, ?);`, nil,
		int64(userNum), int64(flags), int64(len(data)), sum[:], time.Now().Unix(), body)
	if err != nil {
		return Key{}, fmt.Errorf("tank: insert object: %w", err)
	}
	onum = conn.LastInsertRowID()

	key := Key{Host: s.host, Tank: tnum, User: userNum, Obj: uint64(onum)}

	sysConn := s.system.Get(nil)
	defer s.system.Put(sysConn)
	err = sqlitex.Exec(sysConn, `INSERT INTO SystemIndex (ObjectKey, TankNum, ObjectNum, Created) VALUES (?, ?, ?, ?);`,
		nil, key.String(), int64(tnum), onum, time.Now().Unix())
	if err != nil {
		// Roll back the tank-side write so the system index and tank
		// contents cannot disagree about which objects exist.
		_ = sqlitex.Exec(conn, `DELETE FROM Objects WHERE ObjectNum = ?;`, nil, onum)
		return Key{}, fmt.Errorf("tank: insert system index: %w", err)
	}

	return key, nil
}

// Load retrieves and decompresses the object addressed by key.
func (s *Store) Load(key Key) ([]byte, error) {
	if int(key.Tank) >= len(s.tanks) {
		return nil, fmt.Errorf("tank: invalid tank number %d", key.Tank)
	}
	pool := s.tanks[key.Tank]
	conn := pool.Get(nil)
	defer pool.Put(conn)

	var (
		flags    int64
		length   int64
		checksum []byte
		content  []byte
	)
	found := false
	err := sqlitex.Exec(conn, `SELECT Flags, Length, Checksum, Content FROM Objects WHERE ObjectNum = ? AND UserNum = ?;`,
		func(stmt *sqlite.Stmt) error {
			found = true
			flags = stmt.GetInt64("Flags")
			length = stmt.GetInt64("Length")
			checksum = make([]byte, stmt.GetLen("Checksum"))
			stmt.GetBytes("Checksum", checksum)
			content = make([]byte, stmt.GetLen("Content"))
			stmt.GetBytes("Content", content)
			return nil
		}, int64(key.Obj), int64(key.User))
	if err != nil {
		return nil, fmt.Errorf("tank: load: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}

	data, err := compress.Decompress(Flags(flags).engine(), content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if int64(len(data)) != length {
		return nil, ErrLengthMismatch
	}
	sum := sha256.Sum256(data)
	if !bytesEqual(sum[:], checksum) {
		return nil, ErrBadChecksum
	}
	return data, nil
}

// Delete removes the object addressed by key from both its tank and
// the system index, in that order, matching tank_delete.
func (s *Store) Delete(key Key) error {
	if int(key.Tank) >= len(s.tanks) {
		return fmt.Errorf("tank: invalid tank number %d", key.Tank)
	}
	pool := s.tanks[key.Tank]
	conn := pool.Get(nil)
	defer pool.Put(conn)

	if err := sqlitex.Exec(conn, `DELETE FROM Objects WHERE ObjectNum = ? AND UserNum = ?;`, nil, int64(key.Obj), int64(key.User)); err != nil {
		return fmt.Errorf("tank: delete object: %w", err)
	}

	sysConn := s.system.Get(nil)
	defer s.system.Put(sysConn)
	if err := sqlitex.Exec(sysConn, `DELETE FROM SystemIndex WHERE ObjectKey = ?;`, nil, key.String()); err != nil {
		return fmt.Errorf("tank: delete system index: %w", err)
	}
	return nil
}

// Close closes every tank and the system index.
func (s *Store) Close() error {
	var firstErr error
	for _, p := range s.tanks {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.system != nil {
		if err := s.system.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

