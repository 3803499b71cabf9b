// Package localsender fans received messages out of the global queue
// into each local recipient's own mailbox database.
//
// Adapted from spilldb/localsender, which re-cleaved the raw message
// and inserted it into a spillbox.Box per recipient; here the message
// was already cleaved and rebuilt once by mdb/processor and stored as
// a single content-addressed object, so local delivery is just an
// mdb/userdb.InsertMessage pointing every recipient's copy at the same
// ObjectKey.
package localsender

import (
	"context"
	"sync"
	"time"

	"crawshaw.io/sqlite/sqlitex"

	"magma.email/internal/logging"
	"magma.email/mailbox"
	"magma.email/mdb/boxmgmt"
	"magma.email/mdb/db"
	"magma.email/mdb/userdb"
	"magma.email/storage/tank"
)

// InboxName is the well-known top-level folder every new message
// lands in before a filter or client action moves it.
const InboxName = "Inbox"

type LocalSender struct {
	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	dbpool    *sqlitex.Pool
	boxmgmt   *boxmgmt.BoxMgmt
	tankStore *tank.Store
	log       *logging.Logger

	newmsg chan struct{}
}

func New(dbpool *sqlitex.Pool, bm *boxmgmt.BoxMgmt, tankStore *tank.Store, log *logging.Logger) *LocalSender {
	ctx, cancelFn := context.WithCancel(context.Background())
	if log == nil {
		log = logging.Noop()
	}
	return &LocalSender{
		ctx:       ctx,
		cancelFn:  cancelFn,
		done:      make(chan struct{}),
		dbpool:    dbpool,
		boxmgmt:   bm,
		tankStore: tankStore,
		log:       log.Where("localsender"),
		newmsg:    make(chan struct{}, 1),
	}
}

// Nudge wakes the delivery loop for a newly staged message. Dropping
// the nudge is fine: the periodic scan picks up anything missed.
func (l *LocalSender) Nudge(stagingID int64) {
	select {
	case l.newmsg <- struct{}{}:
	default:
	}
}

func (l *LocalSender) Shutdown() {
	l.cancelFn()
	<-l.done
}

func (l *LocalSender) Run() error {
	defer close(l.done)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return nil
		case <-l.newmsg:
		case <-ticker.C:
		}

		toSend, more, err := l.collectToSend()
		if err != nil {
			if err == context.Canceled {
				return nil
			}
			return err
		}

		if more {
			select {
			case l.newmsg <- struct{}{}:
			default:
			}
		}

		var wg sync.WaitGroup
		for _, userID := range toSend {
			wg.Add(1)
			go func(userID int64) {
				defer wg.Done()
				if err := l.sendForUser(userID); err != nil {
					l.log.Error("send_for_user", err, "user_id", userID)
				}
			}(userID)
		}
		wg.Wait()
	}
}

func (l *LocalSender) collectToSend() (toSend []int64, more bool, err error) {
	conn := l.dbpool.Get(l.ctx)
	if conn == nil {
		return nil, false, context.Canceled
	}
	defer l.dbpool.Put(conn)

	const limit = 8
	stmt := conn.Prep(`SELECT DISTINCT UserID
		FROM MsgRecipients
		INNER JOIN UserAddresses ON UserAddresses.Address = MsgRecipients.Recipient
		WHERE DeliveryState = $deliveryState
		ORDER BY UserID LIMIT $limit;`)
	stmt.SetInt64("$deliveryState", int64(db.DeliveryReceived))
	stmt.SetInt64("$limit", limit)

	for {
		hasNext, err := stmt.Step()
		if err != nil {
			return nil, false, err
		}
		if !hasNext {
			break
		}
		toSend = append(toSend, stmt.GetInt64("UserID"))
	}
	more = len(toSend) == limit
	return toSend, more, nil
}

func (l *LocalSender) sendForUser(userID int64) error {
	conn := l.dbpool.Get(l.ctx)
	if conn == nil {
		return context.Canceled
	}
	stagingIDs, err := db.CollectMsgsToSend(conn, userID, 10, 0)
	l.dbpool.Put(conn)
	if err != nil {
		return err
	}

	box, err := l.boxmgmt.Open(mailbox.UserNum(userID))
	if err != nil {
		return err
	}

	for _, stagingID := range stagingIDs {
		if err := l.deliverOne(box, userID, stagingID); err != nil {
			l.log.Error("deliver_one", err, "user_id", userID, "staging_id", stagingID)
		}
	}
	return nil
}

func (l *LocalSender) deliverOne(box *userdb.DB, userID, stagingID int64) (err error) {
	conn := l.dbpool.Get(l.ctx)
	if conn == nil {
		return context.Canceled
	}
	stmt := conn.Prep(`SELECT ObjectKey, DateReceived FROM Msgs WHERE StagingID = $stagingID;`)
	stmt.SetInt64("$stagingID", stagingID)
	hasRow, err := stmt.Step()
	objectKey := stmt.GetText("ObjectKey")
	created := stmt.GetInt64("DateReceived")
	l.dbpool.Put(conn)
	if err != nil {
		return err
	}
	if !hasRow {
		return nil
	}

	var size int64
	if key, err := tank.ParseKey(objectKey); err == nil {
		if content, err := l.tankStore.Load(key); err == nil {
			size = int64(len(content))
		}
	}

	uconn := box.RW(l.ctx)
	defer box.PutRW(uconn)

	inbox, err := userdb.FindOrCreateFolder(uconn, InboxName, 0)
	if err != nil {
		return err
	}

	msg := &mailbox.Message{
		FolderNum: inbox,
		Size:      size,
		Tags:      []string{`\Recent`},
		Created:   time.Unix(created, 0),
	}
	if _, err := userdb.InsertMessage(uconn, msg, objectKey); err != nil {
		return err
	}

	return l.markDone(userID, stagingID)
}

func (l *LocalSender) markDone(userID, stagingID int64) (err error) {
	conn := l.dbpool.Get(l.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer l.dbpool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`UPDATE MsgRecipients
		SET DeliveryState = $deliveryDone
		WHERE StagingID = $stagingID
		AND DeliveryState = $deliveryReceived
		AND Recipient IN (SELECT Address FROM UserAddresses WHERE UserID = $userID);`)
	stmt.SetInt64("$deliveryReceived", int64(db.DeliveryReceived))
	stmt.SetInt64("$deliveryDone", int64(db.DeliveryDone))
	stmt.SetInt64("$userID", userID)
	stmt.SetInt64("$stagingID", stagingID)
	_, err = stmt.Step()
	return err
}
