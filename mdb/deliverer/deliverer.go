// Package deliverer sends outbound mail once it has cleared the
// global queue's DeliverySending state: direct-to-MX by default, or
// through one of a configured relay pool's hosts when the recipient's
// RelayClass names one (spec §4.6).
//
// Adapted from spilldb/deliverer, which read a raw MsgRaw BLOB column
// per message; here the message body comes from storage/tank via the
// ObjectKey mdb/processor stored, and relay-pool routing replaces the
// teacher's unconditional direct-MX send.
package deliverer

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"magma.email/email/dkim"
	"magma.email/email/msgcleaver"
	"magma.email/internal/logging"
	"magma.email/mdb/db"
	"magma.email/smtp/smtpclient"
	"magma.email/storage/tank"
)

// RelayPools names the outbound relay hosts available per class, spec
// §4.6: a recipient's MsgRecipients.RelayClass selects which pool (if
// any) delivery goes through instead of direct-to-MX.
type RelayPools struct {
	Standard []string
	Premium  []string
}

func (p RelayPools) pick(class string, rnd *rand.Rand) string {
	var pool []string
	switch class {
	case "premium":
		pool = p.Premium
	default:
		pool = p.Standard
	}
	if len(pool) == 0 {
		return ""
	}
	return pool[rnd.Intn(len(pool))]
}

type Deliverer struct {
	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	dbpool    *sqlitex.Pool
	tankStore *tank.Store
	filer     *iox.Filer
	client    *smtpclient.Client
	relays    RelayPools
	log       *logging.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand

	newmsg chan struct{}
}

// New builds a Deliverer. hostname is this server's EHLO name;
// localAddr, if non-empty and bound to a local interface, is used as
// the outbound connection's source address.
func New(dbpool *sqlitex.Pool, tankStore *tank.Store, filer *iox.Filer, hostname, localAddr string, relays RelayPools, log *logging.Logger) *Deliverer {
	ctx, cancelFn := context.WithCancel(context.Background())
	if log == nil {
		log = logging.Noop()
	}
	d := &Deliverer{
		ctx:       ctx,
		cancelFn:  cancelFn,
		done:      make(chan struct{}),
		dbpool:    dbpool,
		tankStore: tankStore,
		filer:     filer,
		client:    smtpclient.NewClient(hostname, 100),
		relays:    relays,
		log:       log.Where("deliverer"),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		newmsg:    make(chan struct{}, 1),
	}
	if ip := net.ParseIP(localAddr); ip != nil && isLocalAddr(ip) {
		d.client.LocalAddr = &net.TCPAddr{IP: ip}
	}
	return d
}

func isLocalAddr(ip net.IP) bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			return false
		}
		for _, addr := range addrs {
			var local net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				local = v.IP
			case *net.IPAddr:
				local = v.IP
			default:
				continue
			}
			if local.Equal(ip) {
				return true
			}
		}
	}
	return false
}

// Nudge wakes the delivery loop for a newly staged message. Dropping
// the nudge is fine: the periodic scan picks up anything missed.
func (d *Deliverer) Nudge(stagingID int64) {
	select {
	case d.newmsg <- struct{}{}:
	default:
	}
}

func (d *Deliverer) Shutdown() {
	d.cancelFn()
	<-d.done
}

func (d *Deliverer) recordDelivery(stagingID int64, res []smtpclient.Delivery) error {
	// An SMTP send has completed; record the outcome even if the
	// Deliverer's own context has since been canceled.
	conn := d.dbpool.Get(nil)
	defer d.dbpool.Put(conn)

	date := time.Now().Unix()

	stmt := conn.Prep("INSERT INTO Deliveries (StagingID, Recipient, Code, Date, Details) VALUES ($stagingID, $recipient, $code, $date, $details);")
	stmt.SetInt64("$stagingID", stagingID)
	stmt.SetInt64("$date", date)
	for _, r := range res {
		stmt.Reset()
		stmt.SetInt64("$code", int64(r.Code))
		stmt.SetText("$recipient", r.Recipient)
		details := r.Details
		if r.Error != nil {
			if details != "" {
				details += ", "
			}
			details += "error: " + r.Error.Error()
		}
		stmt.SetText("$details", details)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}

	stmt = conn.Prep("UPDATE MsgRecipients SET DeliveryState = $deliveryDone WHERE StagingID = $stagingID AND Recipient = $recipient;")
	stmt.SetInt64("$stagingID", stagingID)
	stmt.SetInt64("$deliveryDone", int64(db.DeliveryDone))
	for _, r := range res {
		if r.Success() {
			stmt.Reset()
			stmt.SetText("$recipient", r.Recipient)
			if _, err := stmt.Step(); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *Deliverer) deliver(data deliveryData) error {
	defer data.contents.Close()

	var res []smtpclient.Delivery
	var err error
	if data.relayAddr != "" {
		res, err = d.client.SendVia(d.ctx, data.relayAddr, data.from, data.recipients, data.contents, data.contents.Size())
	} else {
		res, err = d.client.Send(d.ctx, data.from, data.recipients, data.contents, data.contents.Size())
	}
	if err != nil {
		return err
	}

	if err := d.recordDelivery(data.stagingID, res); err != nil {
		return err
	}

	conn := d.dbpool.Get(d.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer d.dbpool.Put(conn)

	stmt := conn.Prep("SELECT Code, Date FROM Deliveries WHERE StagingID = $stagingID AND Recipient = $recipient ORDER BY Date;")
	for _, r := range res {
		if r.Success() {
			continue
		}
		stmt.Reset()
		stmt.SetInt64("$stagingID", data.stagingID)
		stmt.SetText("$recipient", r.Recipient)
		var pastDeliveries []smtpclient.Delivery
		for {
			hasNext, err := stmt.Step()
			if err != nil {
				return err
			}
			if !hasNext {
				break
			}
			pastDeliveries = append(pastDeliveries, smtpclient.Delivery{
				Recipient: r.Recipient,
				Code:      int(stmt.GetInt64("Code")),
				Date:      time.Unix(stmt.GetInt64("Date"), 0),
			})
		}
		const retryWindow = 36 * time.Hour
		permFailure := r.PermFailure()
		if len(pastDeliveries) > 0 && time.Since(pastDeliveries[0].Date) > retryWindow {
			permFailure = true
		}
		if permFailure {
			d.log.Warn("perm_failure", "staging_id", data.stagingID, "recipient", r.Recipient)
		}
	}

	return nil
}

type deliveryData struct {
	stagingID  int64
	from       string
	recipients []string
	relayAddr  string
	contents   *iox.BufferFile
}

func (d *Deliverer) collectToDeliver() (deliveries []deliveryData, more bool, err error) {
	conn := d.dbpool.Get(d.ctx)
	if conn == nil {
		return nil, false, context.Canceled
	}
	defer d.dbpool.Put(conn)

	type group struct {
		recipients []string
		relayClass string
	}
	toDeliver := make(map[int64]*group)

	const limit = 300
	stmt := conn.Prep("SELECT StagingID, Recipient, RelayClass FROM MsgRecipients WHERE DeliveryState = $deliverySending ORDER BY StagingID LIMIT $limit;")
	stmt.SetInt64("$deliverySending", int64(db.DeliverySending))
	stmt.SetInt64("$limit", limit)
	count := 0
	for {
		hasNext, err := stmt.Step()
		if err != nil {
			return nil, false, err
		}
		if !hasNext {
			break
		}
		stagingID := stmt.GetInt64("StagingID")
		g, ok := toDeliver[stagingID]
		if !ok {
			g = &group{}
			toDeliver[stagingID] = g
		}
		g.recipients = append(g.recipients, stmt.GetText("Recipient"))
		g.relayClass = stmt.GetText("RelayClass")
		count++
	}

	d.rndMu.Lock()
	defer d.rndMu.Unlock()

	for stagingID, g := range toDeliver {
		f, from, err := d.loadContents(conn, stagingID)
		if err != nil {
			return nil, false, err
		}

		relayAddr := ""
		if g.relayClass != "" {
			relayAddr = d.relays.pick(g.relayClass, d.rnd)
		}

		deliveries = append(deliveries, deliveryData{
			stagingID:  stagingID,
			from:       from,
			recipients: g.recipients,
			relayAddr:  relayAddr,
			contents:   f,
		})
	}
	return deliveries, count == limit, nil
}

// loadContents fetches the message body from the tank (signing it
// with the sender domain's current DKIM key, if any) and returns a
// seekable buffer ready for smtpclient.
func (d *Deliverer) loadContents(conn *sqlite.Conn, stagingID int64) (*iox.BufferFile, string, error) {
	stmt := conn.Prep("SELECT Sender, ObjectKey FROM Msgs WHERE StagingID = $stagingID;")
	stmt.SetInt64("$stagingID", stagingID)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, "", err
	}
	if !hasRow {
		return nil, "", fmt.Errorf("deliverer: no such message %d", stagingID)
	}
	from := stmt.GetText("Sender")
	key, err := tank.ParseKey(stmt.GetText("ObjectKey"))
	if err != nil {
		return nil, "", err
	}

	raw, err := d.tankStore.Load(key)
	if err != nil {
		return nil, "", err
	}
	f := d.filer.BufferFile(0)
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return nil, "", err
	}
	f.Seek(0, 0)

	signer, err := d.findSigner(conn, from)
	if err != nil {
		f.Close()
		return nil, "", err
	}
	if signer == nil {
		return f, from, nil
	}

	dst := d.filer.BufferFile(0)
	err = msgcleaver.Sign(d.filer, signer, dst, f)
	f.Close()
	if err != nil {
		dst.Close()
		return nil, "", err
	}
	dst.Seek(0, 0)
	return dst, from, nil
}

func (d *Deliverer) findSigner(conn *sqlite.Conn, senderAddr string) (*dkim.Signer, error) {
	i := strings.LastIndexByte(senderAddr, '@')
	if i == -1 || i == len(senderAddr)-1 {
		return nil, fmt.Errorf("deliverer: bad sender %q", senderAddr)
	}
	domain := senderAddr[i+1:]

	stmt := conn.Prep("SELECT Selector, PrivateKey FROM DKIMRecords WHERE DomainName = $domain AND Current = TRUE;")
	stmt.SetText("$domain", domain)
	hasNext, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasNext {
		return nil, nil
	}
	selector := stmt.GetText("Selector")
	key := stmt.GetBytes("PrivateKey")

	signer, err := dkim.NewSigner(key)
	if err != nil {
		return nil, err
	}
	signer.Domain = domain
	signer.Selector = selector
	return signer, nil
}

func (d *Deliverer) Run() error {
	defer close(d.done)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case <-d.newmsg:
		case <-ticker.C:
		}

		deliveries, more, err := d.collectToDeliver()
		if err != nil {
			if err == context.Canceled {
				return nil
			}
			return err
		}

		if more {
			select {
			case d.newmsg <- struct{}{}:
			default:
			}
		}

		var wg sync.WaitGroup
		for _, data := range deliveries {
			wg.Add(1)
			go func(data deliveryData) {
				defer wg.Done()
				if err := d.deliver(data); err != nil {
					d.log.Error("deliver", err, "staging_id", data.stagingID)
				}
			}(data)
		}
		wg.Wait()
	}
}
