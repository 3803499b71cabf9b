// Package popd glues pop.Server into mdb and storage/tank: a
// point-in-time snapshot per login, raw bytes loaded content-addressed
// from the tank, and deletes committed only through Expunge on a
// clean QUIT, matching pop.Server's contract directly.
//
// No teacher package implemented POP3 (spilldb never spoke it), so
// this is grounded on mdb/imapd and mdb/smtpd's own shape instead:
// mdb/boxmgmt for per-user state, mdb/db.Authenticator for STACIE
// login, storage/tank for content.
package popd

import (
	"bytes"
	"context"
	"io"
	"sort"

	"crawshaw.io/sqlite/sqlitex"

	"magma.email/internal/logging"
	"magma.email/mailbox"
	"magma.email/mdb/boxmgmt"
	"magma.email/mdb/db"
	"magma.email/mdb/userdb"
	"magma.email/pop"
	"magma.email/storage/engine"
	"magma.email/storage/tank"
)

// Backend implements pop.Backend against mdb and mailbox.
type Backend struct {
	boxmgmt *boxmgmt.BoxMgmt
	eng     *engine.Engine
	auth    *db.Authenticator
	log     *logging.Logger
}

func New(globalDB *sqlitex.Pool, bm *boxmgmt.BoxMgmt, tankStore *tank.Store, log *logging.Logger) *Backend {
	if log == nil {
		log = logging.Noop()
	}
	log = log.Where("popd")
	return &Backend{
		boxmgmt: bm,
		eng:     engine.New(tankStore, nil, log.Logf),
		auth:    &db.Authenticator{DB: globalDB, Log: log, Where: "pop"},
		log:     log,
	}
}

func (b *Backend) Login(ctx context.Context, user, pass []byte, remoteAddr string) (mailbox.UserNum, error) {
	userID, err := b.auth.Login(ctx, remoteAddr, string(user), pass)
	if err != nil {
		return 0, err
	}
	return mailbox.UserNum(userID), nil
}

func (b *Backend) Snapshot(ctx context.Context, userNum mailbox.UserNum) ([]pop.MetaMessage, error) {
	box, err := b.boxmgmt.Open(userNum)
	if err != nil {
		return nil, err
	}

	conn := box.RO(ctx)
	_, messages, err := userdb.LoadTree(conn)
	box.PutRO(conn)
	if err != nil {
		return nil, err
	}

	snap := make([]pop.MetaMessage, 0, len(messages))
	for _, m := range messages {
		if m.Hidden {
			continue
		}
		snap = append(snap, pop.MetaMessage{
			Num:  m.MessageNum,
			Size: m.Size,
			UIDL: m.MessageNum.String(),
		})
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].Num < snap[j].Num })
	return snap, nil
}

func (b *Backend) Retrieve(ctx context.Context, userNum mailbox.UserNum, num mailbox.MessageNum) (io.ReadCloser, error) {
	box, err := b.boxmgmt.Open(userNum)
	if err != nil {
		return nil, err
	}

	conn := box.RO(ctx)
	objectKey, err := userdb.ObjectKey(conn, num)
	box.PutRO(conn)
	if err != nil {
		return nil, err
	}

	key, err := tank.ParseKey(objectKey)
	if err != nil {
		return nil, err
	}
	raw, err := b.eng.Load(ctx, key, userNum, num, func(ctx context.Context, userNum mailbox.UserNum, messageNum mailbox.MessageNum) error {
		conn := box.RW(ctx)
		defer box.PutRW(conn)
		return userdb.HideMessage(conn, messageNum)
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *Backend) Expunge(ctx context.Context, userNum mailbox.UserNum, nums []mailbox.MessageNum) error {
	if len(nums) == 0 {
		return nil
	}
	box, err := b.boxmgmt.Open(userNum)
	if err != nil {
		return err
	}

	conn := box.RW(ctx)
	err = userdb.Expunge(conn, nums)
	box.PutRW(conn)
	return err
}
