// Package processor runs the asynchronous post-accept stage of
// inbound mail: it picks up messages the SMTP session staged into the
// global queue with a raw object key, cleans and rebuilds the MIME
// tree (HTML asset embedding, DKIM status tagging), stores the built
// message as a new content-addressed object, and hands the staging ID
// to a local-delivery callback.
//
// Adapted from spilldb/processor, which did the same MIME rework
// against a per-message MsgFull BLOB column; here the rebuilt message
// is stored through storage/tank like every other object magma keeps,
// so delivery and IMAP FETCH share one retrieval path.
package processor

import (
	"context"
	"io"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"

	"magma.email/email"
	"magma.email/email/dkim"
	"magma.email/email/msgbuilder"
	"magma.email/email/msgcleaver"
	"magma.email/html/htmlembed"
	"magma.email/internal/logging"
	"magma.email/mdb/db"
	"magma.email/storage/tank"
)

// Processor watches the global Msgs table for recipients still in
// DeliveryToProcess, rebuilds each message's MIME tree, and stores the
// result for delivery.
type Processor struct {
	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	dbpool    *sqlitex.Pool
	tankStore *tank.Store
	filer     *iox.Filer
	dkim      *dkim.Verifier
	embed     *htmlembed.Embedder
	log       *logging.Logger
	localSend func(stagingID int64)

	newmsg chan struct{}

	maxReadyDateMu sync.Mutex
	maxReadyDate   int64
}

// New builds a Processor. httpc is the HTTP client used to fetch
// remote image/CSS assets referenced by HTML bodies; a nil httpc
// disables asset embedding (images are left as remote links).
func New(dbpool *sqlitex.Pool, tankStore *tank.Store, filer *iox.Filer, httpc htmlembed.Doer, log *logging.Logger, localSend func(stagingID int64)) *Processor {
	ctx, cancelFn := context.WithCancel(context.Background())
	if log == nil {
		log = logging.Noop()
	}
	return &Processor{
		ctx:      ctx,
		cancelFn: cancelFn,
		done:     make(chan struct{}),

		dbpool:    dbpool,
		tankStore: tankStore,
		filer:     filer,
		dkim:      &dkim.Verifier{},
		embed:     htmlembed.NewEmbedder(filer, httpc),
		log:       log.Where("processor"),
		localSend: localSend,

		newmsg: make(chan struct{}, 1),
	}
}

// Nudge wakes the processing loop for a newly staged message.
// Dropping the nudge is fine: the periodic scan picks up anything
// missed.
func (p *Processor) Nudge(stagingID int64) {
	select {
	case p.newmsg <- struct{}{}:
	default:
	}
}

func (p *Processor) Shutdown(ctx context.Context) {
	p.cancelFn()
	<-p.done
}

func (p *Processor) Run() error {
	defer close(p.done)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case <-p.newmsg:
		case <-ticker.C:
		}

		toProcess, more, err := p.collectToProcess()
		if err != nil {
			if err == context.Canceled {
				return nil
			}
			return err
		}

		if more {
			select {
			case p.newmsg <- struct{}{}:
			default:
			}
		}

		var wg sync.WaitGroup
		for _, stagingID := range toProcess {
			wg.Add(1)
			go func(stagingID int64) {
				defer wg.Done()
				if err := p.process(stagingID); err != nil {
					p.log.Error("process", err, "staging_id", stagingID)
				}
			}(stagingID)
		}
		wg.Wait()
	}
}

func (p *Processor) collectToProcess() (toProcess []int64, more bool, err error) {
	conn := p.dbpool.Get(p.ctx)
	if conn == nil {
		return nil, false, context.Canceled
	}
	defer p.dbpool.Put(conn)

	const limit = 8

	stmt := conn.Prep("SELECT DISTINCT StagingID FROM MsgRecipients WHERE DeliveryState = $deliveryState ORDER BY StagingID LIMIT $limit;")
	stmt.SetInt64("$deliveryState", int64(db.DeliveryToProcess))
	stmt.SetInt64("$limit", limit)

	for {
		hasNext, err := stmt.Step()
		if err != nil {
			return nil, false, err
		}
		if !hasNext {
			break
		}
		toProcess = append(toProcess, stmt.GetInt64("StagingID"))
	}

	more = len(toProcess) == limit
	return toProcess, more, nil
}

func findBodyHTML(msg *email.Msg) *email.Part {
	for i := range msg.Parts {
		part := &msg.Parts[i]
		if part.IsBody && part.ContentType == "text/html" {
			return part
		}
	}
	return nil
}

func (p *Processor) process(stagingID int64) (err error) {
	rawMsg, userID, err := p.loadStaged(stagingID)
	if err != nil {
		return err
	}
	defer rawMsg.Close()

	var dkimStatus string
	if err := p.dkim.Verify(p.ctx, rawMsg); err != nil {
		dkimStatus = err.Error()
	} else {
		dkimStatus = "PASS"
	}
	rawMsg.Seek(0, 0)

	msg, err := msgcleaver.Cleave(p.filer, rawMsg)
	if err != nil {
		return err
	}
	defer msg.Close()
	htmlPart := findBodyHTML(msg)

	if htmlPart != nil {
		html, err := p.embed.Embed(p.ctx, htmlPart.Content)
		if err != nil {
			html.HTML.Close()
			for _, asset := range html.Assets {
				asset.Bytes.Close()
			}
			return err
		}

		htmlPart.CompressedSize = 0
		htmlPart.IsCompressed = false
		htmlPart.ContentTransferEncoding = ""
		htmlPart.ContentTransferSize = 0
		htmlPart.ContentTransferLines = 0
		htmlPart.Content.Close()
		htmlPart.Content = html.HTML

		msg.EncodedSize = 0

		for _, asset := range html.Assets {
			if asset.LoadError != nil {
				if asset.Bytes != nil {
					asset.Bytes.Close()
				}
				p.log.Warn("embed_asset_failed", "staging_id", stagingID, "url", asset.URL, "error", asset.LoadError.Error())
				continue
			}
			msg.Parts = append(msg.Parts, email.Part{
				PartNum:     len(msg.Parts) + 1,
				Name:        asset.Name,
				ContentType: asset.ContentType,
				ContentID:   asset.CID,
				Content:     asset.Bytes,
			})
		}
	}

	builder := &msgbuilder.Builder{Filer: p.filer, FillOutFields: true}
	fullMsg := p.filer.BufferFile(0)
	defer fullMsg.Close()
	if err := builder.Build(fullMsg, msg); err != nil {
		return err
	}

	fullMsg.Seek(0, 0)
	built, err := io.ReadAll(fullMsg)
	if err != nil {
		return err
	}

	key, err := p.tankStore.Store(uint64(userID), built, 0)
	if err != nil {
		return err
	}

	return p.processSave(stagingID, dkimStatus, key)
}

func (p *Processor) processSave(stagingID int64, dkimStatus string, key tank.Key) (err error) {
	conn := p.dbpool.Get(p.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer p.dbpool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep("UPDATE Msgs SET DKIM = $dkim, ObjectKey = $objectKey WHERE StagingID = $stagingID;")
	stmt.SetInt64("$stagingID", stagingID)
	stmt.SetText("$dkim", dkimStatus)
	stmt.SetText("$objectKey", key.String())
	if _, err := stmt.Step(); err != nil {
		return err
	}

	stmt = conn.Prep("UPDATE MsgRecipients SET DeliveryState = $deliveryState WHERE StagingID = $stagingID;")
	stmt.SetInt64("$deliveryState", int64(db.DeliveryReceived))
	stmt.SetInt64("$stagingID", stagingID)
	if _, err := stmt.Step(); err != nil {
		return err
	}

	readyDate := time.Now().UnixNano()
	p.maxReadyDateMu.Lock()
	if readyDate > p.maxReadyDate {
		p.maxReadyDate = readyDate
	} else {
		p.maxReadyDate++
		readyDate = p.maxReadyDate
	}
	p.maxReadyDateMu.Unlock()

	stmt = conn.Prep("UPDATE Msgs SET ReadyDate = $readyDate WHERE StagingID = $stagingID;")
	stmt.SetInt64("$readyDate", readyDate)
	stmt.SetInt64("$stagingID", stagingID)
	if _, err := stmt.Step(); err != nil {
		return err
	}

	if p.localSend != nil {
		p.localSend(stagingID)
	}
	return nil
}

// loadStaged fetches the raw message bytes the SMTP session staged
// into the tank, plus the sending user's ID, returning them as a
// seekable in-memory/on-disk buffer for the MIME rework passes above.
func (p *Processor) loadStaged(stagingID int64) (*iox.BufferFile, int64, error) {
	conn := p.dbpool.Get(p.ctx)
	if conn == nil {
		return nil, 0, context.Canceled
	}

	stmt := conn.Prep(`SELECT UserID, ObjectKey FROM Msgs WHERE StagingID = $stagingID;`)
	stmt.SetInt64("$stagingID", stagingID)
	hasRow, err := stmt.Step()
	p.dbpool.Put(conn)
	if err != nil {
		return nil, 0, err
	}
	if !hasRow {
		return nil, 0, db.ErrUserUnavailable
	}
	userID := stmt.GetInt64("UserID")
	rawKeyStr := stmt.GetText("ObjectKey")

	key, err := tank.ParseKey(rawKeyStr)
	if err != nil {
		return nil, 0, err
	}
	raw, err := p.tankStore.Load(key)
	if err != nil {
		return nil, 0, err
	}

	buf := p.filer.BufferFile(0)
	if _, err := buf.Write(raw); err != nil {
		buf.Close()
		return nil, 0, err
	}
	buf.Seek(0, 0)
	return buf, userID, nil
}
