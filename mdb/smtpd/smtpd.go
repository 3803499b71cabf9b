// Package smtpd glues smtp/smtpserver into mdb/db, storage/tank, and
// the pipeline package's inbound content-check sequence.
//
// Adapted from spilldb/smtpdb, which inserted a staged message's raw
// bytes into a MsgRaw BLOB column and never ran any content checks
// before marking recipients DeliveryToProcess. Here the accepted
// message is buffered, handed whole to pipeline.Run once the DATA
// phase completes, and the resulting per-recipient Result decides
// each MsgRecipients row's starting DeliveryState instead of every
// recipient getting the same fixed next state.
package smtpd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"magma.email/internal/logging"
	"magma.email/mdb/db"
	"magma.email/pipeline"
	"magma.email/smtp/smtpserver"
	"magma.email/storage/tank"
)

// MsgMaker adapts smtpserver.Server's NewMessage/Auth callbacks to
// mdb/db, running every accepted message through the pipeline before
// recipients are marked ready to process.
type MsgMaker struct {
	ctx       context.Context
	dbpool    *sqlitex.Pool
	filer     *iox.Filer
	tank      *tank.Store
	checks    *pipeline.Checks
	hostname  string
	msgDoneFn func(stagingID int64)
	auth      *db.Authenticator
	log       *logging.Logger
}

// New builds a MsgMaker. checks is nil-safe: a Checks with every
// collaborator field left nil runs the pipeline's size check only,
// treating everything else as pass (spec §4.5's "missing provider
// means skip that check" behavior).
func New(ctx context.Context, dbpool *sqlitex.Pool, filer *iox.Filer, tankStore *tank.Store, checks *pipeline.Checks, hostname string, doneFn func(stagingID int64), log *logging.Logger) *MsgMaker {
	if log == nil {
		log = logging.Noop()
	}
	if checks == nil {
		checks = &pipeline.Checks{}
	}
	return &MsgMaker{
		ctx:       ctx,
		dbpool:    dbpool,
		filer:     filer,
		tank:      tankStore,
		checks:    checks,
		hostname:  hostname,
		msgDoneFn: doneFn,
		log:       log.Where("smtpd"),
		auth: &db.Authenticator{
			DB:    dbpool,
			Log:   log,
			Where: "smtp",
		},
	}
}

// Auth implements smtpserver.Server.Auth. The password bytes carried
// over AUTH PLAIN are the client's already-derived STACIE password
// key (spec §4.1), never a plaintext password.
func (p *MsgMaker) Auth(identity, user, passwordKey []byte, remoteAddr string) uint64 {
	userID, err := p.auth.Login(p.ctx, remoteAddr, string(user), passwordKey)
	if err != nil {
		return 0
	}
	return uint64(userID)
}

// NewMessage implements smtpserver.NewMessageFunc.
func (p *MsgMaker) NewMessage(remoteAddr net.Addr, from []byte, authToken uint64) (smtpserver.Msg, error) {
	if authToken != 0 {
		conn := p.dbpool.Get(p.ctx)
		if conn == nil {
			return nil, context.Canceled
		}
		owns, err := addressOwnedBy(conn, string(from), int64(authToken))
		p.dbpool.Put(conn)
		if err != nil {
			return nil, err
		}
		if !owns {
			return nil, fmt.Errorf("smtpd: sender address not owned by authenticated user")
		}
	}

	return &msg{
		p:          p,
		remoteAddr: remoteAddr.String(),
		from:       string(from),
		authToken:  authToken,
	}, nil
}

func addressOwnedBy(conn *sqlite.Conn, address string, userID int64) (bool, error) {
	stmt := conn.Prep(`SELECT UserID FROM UserAddresses WHERE Address = $address;`)
	stmt.SetText("$address", strings.ToLower(address))
	hasRow, err := stmt.Step()
	if err != nil {
		return false, err
	}
	if !hasRow {
		return false, nil
	}
	owner := stmt.GetInt64("UserID")
	stmt.Reset()
	return owner == userID, nil
}

func isLocalRecipient(conn *sqlite.Conn, address string) (bool, error) {
	stmt := conn.Prep(`SELECT count(*) FROM UserAddresses WHERE Address = $address;`)
	stmt.SetText("$address", strings.ToLower(address))
	n, err := sqlitex.ResultInt(stmt)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// msg accumulates one SMTP session's message: recipients accepted so
// far and a buffered copy of the wire bytes, run through the pipeline
// only once DATA completes in Close.
type msg struct {
	p          *MsgMaker
	remoteAddr string
	heloName   string
	from       string
	authToken  uint64

	recipients []string
	buf        *iox.BufferFile
	err        error
}

func (m *msg) AddRecipient(addr []byte) (bool, error) {
	address := strings.ToLower(string(addr))

	conn := m.p.dbpool.Get(m.p.ctx)
	if conn == nil {
		return false, context.Canceled
	}
	local, err := isLocalRecipient(conn, address)
	m.p.dbpool.Put(conn)
	if err != nil {
		return false, err
	}

	// Unauthenticated senders (inbound mail) may only address a local
	// recipient; authenticated senders (submission) may relay anywhere.
	if m.authToken == 0 && !local {
		return false, nil
	}

	m.recipients = append(m.recipients, address)
	return true, nil
}

func (m *msg) Write(line []byte) error {
	if m.err != nil {
		return m.err
	}
	if m.buf == nil {
		m.buf = m.p.filer.BufferFile(0)
	}
	if _, err := m.buf.Write(line); err != nil {
		m.err = err
	}
	return m.err
}

func (m *msg) Cancel() {
	if m.err == nil {
		m.err = context.Canceled
	}
	if m.buf != nil {
		m.buf.Close()
		m.buf = nil
	}
}

// Close runs the accepted message through the pipeline, stores its
// bytes once in the tank, and stages one MsgRecipients row per
// recipient with the DeliveryState the pipeline decided for them.
func (m *msg) Close() (err error) {
	if m.err != nil {
		return m.err
	}
	if m.buf == nil || len(m.recipients) == 0 {
		return fmt.Errorf("smtpd: message has no body or no accepted recipients")
	}
	defer func() {
		m.buf.Close()
		m.buf = nil
	}()

	if _, err := m.buf.Seek(0, 0); err != nil {
		return err
	}
	raw, err := io.ReadAll(m.buf)
	if err != nil {
		return err
	}

	headers, body := splitHeaders(raw)
	env := &pipeline.Envelope{
		RemoteAddr: m.remoteAddr,
		HeloName:   m.heloName,
		MailFrom:   m.from,
		Recipients: m.recipients,
		Size:       int64(len(raw)),
	}
	results, err := pipeline.Run(m.p.ctx, m.p.checks, env, headers, body)
	if err != nil {
		return fmt.Errorf("smtpd: pipeline: %w", err)
	}

	conn := m.p.dbpool.Get(m.p.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer m.p.dbpool.Put(conn)

	userNum := int64(m.authToken)
	key, err := m.p.tank.Store(uint64(userNum), raw, 0)
	if err != nil {
		return fmt.Errorf("smtpd: store message: %w", err)
	}

	recipients := make(map[string]string, len(results))
	for _, r := range results {
		recipients[r.Recipient] = m.from
	}
	stagingID, err := db.StageMsg(conn, userNum, m.from, key.String(), recipients)
	if err != nil {
		return err
	}

	for _, r := range results {
		state := deliveryStateFor(r.Action)
		stmt := conn.Prep(`UPDATE MsgRecipients SET DeliveryState = $state
			WHERE StagingID = $id AND Recipient = $recipient;`)
		stmt.SetInt64("$state", int64(state))
		stmt.SetInt64("$id", stagingID)
		stmt.SetText("$recipient", r.Recipient)
		if _, err := stmt.Step(); err != nil {
			m.p.log.Error("close: mark recipient", err, "staging_id", stagingID, "recipient", r.Recipient)
		}
	}

	if m.p.msgDoneFn != nil {
		m.p.msgDoneFn(stagingID)
	}
	return nil
}

// deliveryStateFor maps a pipeline decision onto the next queue state
// a recipient's copy waits in. ActionDrop never needs further work, so
// it goes straight to DeliveryDone instead of a dedicated "dropped"
// state.
func deliveryStateFor(action pipeline.Action) db.DeliveryState {
	switch action {
	case pipeline.ActionStore:
		return db.DeliveryToProcess
	case pipeline.ActionBounce:
		return db.DeliveryFailed
	case pipeline.ActionDrop:
		return db.DeliveryDone
	default:
		return db.DeliveryToProcess
	}
}

// splitHeaders finds the blank line ending RFC 5322 headers. If none
// is found the whole message is treated as headers with an empty body,
// matching pipeline/filter's "best effort" handling of malformed input.
func splitHeaders(raw []byte) (headers, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, nil
}

