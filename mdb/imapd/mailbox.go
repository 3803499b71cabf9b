package imapd

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"crawshaw.io/iox"

	"magma.email/email"
	"magma.email/email/msgcleaver"
	"magma.email/imap"
	"magma.email/imap/imapparser"
	"magma.email/mailbox"
	"magma.email/mdb/userdb"
	"magma.email/storage/tank"
)

// flagBits maps the well-known IMAP system flags onto mailbox.Status
// bits; anything else is treated as a free-form keyword stored in
// Message.Tags.
var flagBits = map[string]mailbox.Status{
	`\Seen`:     mailbox.StatusSeen,
	`\Answered`: mailbox.StatusAnswered,
	`\Flagged`:  mailbox.StatusFlagged,
	`\Deleted`:  mailbox.StatusDeleted,
	`\Draft`:    mailbox.StatusDraft,
	`\Recent`:   mailbox.StatusRecent,
}

func flagsOf(m *mailbox.Message) []string {
	var out []string
	for name, bit := range flagBits {
		if m.Status.Has(bit) {
			out = append(out, name)
		}
	}
	out = append(out, m.Tags...)
	return out
}

// seqContains reports whether num falls within any of the given
// ranges. Callers must resolve '*' (Max/Min == 0) via resolveStar
// before calling this, since a literal zero here would never match.
func seqContains(seqs []imapparser.SeqRange, num uint32) bool {
	if len(seqs) == 0 {
		return true
	}
	for _, r := range seqs {
		if num >= r.Min && num <= r.Max {
			return true
		}
	}
	return false
}

// resolveStar substitutes SeqRange.Min/Max == 0 ('*') with the highest
// seq/UID currently present in messages.
func resolveStar(seqs []imapparser.SeqRange, messages []*mailbox.Message, uid bool) []imapparser.SeqRange {
	if len(seqs) == 0 {
		return seqs
	}
	var top uint32
	for i, m := range messages {
		var num uint32
		if uid {
			num = uint32(m.MessageNum)
		} else {
			num = uint32(i + 1)
		}
		if num > top {
			top = num
		}
	}
	out := make([]imapparser.SeqRange, len(seqs))
	for i, r := range seqs {
		if r.Max == 0 {
			r.Max = top
		}
		if r.Min == 0 {
			r.Min = top
		}
		out[i] = r
	}
	return out
}

// mailboxHandle is a point-in-time view of one folder's messages,
// ordered by MessageNum (which doubles as the IMAP UID, since spec §3
// defines MessageNum as unique per user -- a stronger guarantee than
// IMAP requires, so no separate UID column is needed).
type mailboxHandle struct {
	session  *session
	folder   mailbox.FolderNum
	messages []*mailbox.Message
}

func (h *mailboxHandle) ID() int64 { return int64(h.folder) }

func (h *mailboxHandle) Info() (imap.MailboxInfo, error) {
	var recent, unseen uint32
	var firstUnseen uint32
	var uidNext uint32
	for i, m := range h.messages {
		if m.Status.Has(mailbox.StatusRecent) {
			recent++
		}
		if !m.Status.Has(mailbox.StatusSeen) {
			unseen++
			if firstUnseen == 0 {
				firstUnseen = uint32(i + 1)
			}
		}
		if uint32(m.MessageNum) >= uidNext {
			uidNext = uint32(m.MessageNum) + 1
		}
	}
	return imap.MailboxInfo{
		Summary:            imap.MailboxSummary{Name: fullName(h.session.user.Folders, h.folder)},
		NumMessages:        uint32(len(h.messages)),
		NumRecent:          recent,
		NumUnseen:          unseen,
		UIDNext:            uidNext,
		UIDValidity:        uint32(h.session.userNum),
		FirstUnseenSeqNum:  firstUnseen,
		HighestModSequence: h.highestModSeq(),
	}, nil
}

// highestModSeq approximates spec §4.7's per-mailbox mod-sequence with
// the highest MessageNum present, since magma does not yet keep a
// dedicated increment-on-every-flag-change counter per message.
func (h *mailboxHandle) highestModSeq() int64 {
	var max int64
	for _, m := range h.messages {
		if int64(m.MessageNum) > max {
			max = int64(m.MessageNum)
		}
	}
	return max
}

func (h *mailboxHandle) Append(flags [][]byte, date time.Time, data *iox.BufferFile) (uint32, error) {
	if _, err := data.Seek(0, 0); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return 0, err
	}

	key, err := h.session.backend.tank.Store(uint64(h.session.userNum), buf.Bytes(), 0)
	if err != nil {
		return 0, err
	}

	var status mailbox.Status
	var tags []string
	for _, f := range flags {
		name := string(f)
		if bit, ok := flagBits[name]; ok {
			status = status.Set(bit)
		} else {
			tags = append(tags, name)
		}
	}

	msg := &mailbox.Message{
		FolderNum: h.folder,
		Size:      int64(buf.Len()),
		Status:    status,
		Tags:      tags,
		Created:   date,
	}

	conn := h.session.box.RW(context.Background())
	num, err := userdb.InsertMessage(conn, msg, key.String())
	h.session.box.PutRW(conn)
	if err != nil {
		return 0, err
	}

	msg.MessageNum = num
	h.session.lock.Lock()
	h.session.user.Messages[num] = msg
	h.session.lock.Unlock()
	h.session.backend.bumpSerial(context.Background(), mailbox.ClassMessages, h.session.userNum)

	h.messages = append(h.messages, msg)
	return uint32(num), nil
}

// matchAdapter satisfies imapparser.MatchMessage against one in-memory
// mailbox.Message, loading the full message lazily -- only
// SUBJECT/TO/FROM/CC/BCC/HEADER search keys ever call Header.
type matchAdapter struct {
	seqNum  int
	m       *mailbox.Message
	session *session

	headersLoaded bool
	headers       *email.Header
}

func (a *matchAdapter) SeqNum() uint32    { return uint32(a.seqNum) }
func (a *matchAdapter) UID() uint32       { return uint32(a.m.MessageNum) }
func (a *matchAdapter) ModSeq() int64     { return int64(a.m.MessageNum) }
func (a *matchAdapter) Date() time.Time   { return a.m.Created }
func (a *matchAdapter) RFC822Size() int64 { return a.m.Size }
func (a *matchAdapter) Flag(name string) bool {
	if bit, ok := flagBits[name]; ok {
		return a.m.Status.Has(bit)
	}
	for _, t := range a.m.Tags {
		if t == name {
			return true
		}
	}
	return false
}
func (a *matchAdapter) Header(name string) string {
	if !a.headersLoaded {
		a.headersLoaded = true
		if msg, err := loadMsg(a.session, a.m); err == nil {
			h := msg.Headers
			a.headers = &h
			msg.Close()
		}
	}
	if a.headers == nil {
		return ""
	}
	return string(a.headers.Get(email.Key(name)))
}

func (h *mailboxHandle) Search(op *imapparser.SearchOp, fn func(imap.MessageSummary)) error {
	matcher, err := imapparser.NewMatcher(op)
	if err != nil {
		return err
	}
	for i, m := range h.messages {
		adapter := &matchAdapter{seqNum: i + 1, m: m, session: h.session}
		if matcher.Match(adapter) {
			fn(imap.MessageSummary{SeqNum: uint32(i + 1), UID: uint32(m.MessageNum), ModSeq: int64(m.MessageNum)})
		}
	}
	return nil
}

func (h *mailboxHandle) selectRange(uid bool, seqs []imapparser.SeqRange) []int {
	resolved := resolveStar(seqs, h.messages, uid)
	var idx []int
	for i, m := range h.messages {
		var num uint32
		if uid {
			num = uint32(m.MessageNum)
		} else {
			num = uint32(i + 1)
		}
		if seqContains(resolved, num) {
			idx = append(idx, i)
		}
	}
	return idx
}

func (h *mailboxHandle) Fetch(uid bool, seqs []imapparser.SeqRange, changedSince int64, fn func(imap.Message)) error {
	for _, i := range h.selectRange(uid, seqs) {
		m := h.messages[i]
		if changedSince > 0 && int64(m.MessageNum) <= changedSince {
			continue
		}
		msg := &message{seqNum: i + 1, meta: m, handle: h}
		fn(msg)
		msg.close()
	}
	return nil
}

func (h *mailboxHandle) Expunge(uidSeqs []imapparser.SeqRange, fn func(seqNum uint32)) error {
	resolved := resolveStar(uidSeqs, h.messages, true)
	var toDelete []mailbox.MessageNum
	var keep []*mailbox.Message
	removedSeq := 0
	for i, m := range h.messages {
		del := m.Status.Has(mailbox.StatusDeleted)
		if del && uidSeqs != nil && !seqContains(resolved, uint32(m.MessageNum)) {
			del = false
		}
		if del {
			toDelete = append(toDelete, m.MessageNum)
			if fn != nil {
				fn(uint32(i + 1 - removedSeq))
			}
			removedSeq++
			continue
		}
		keep = append(keep, m)
	}
	if len(toDelete) == 0 {
		return nil
	}

	conn := h.session.box.RW(context.Background())
	err := userdb.Expunge(conn, toDelete)
	h.session.box.PutRW(conn)
	if err != nil {
		return err
	}

	h.session.lock.Lock()
	for _, num := range toDelete {
		delete(h.session.user.Messages, num)
	}
	h.session.lock.Unlock()
	h.session.backend.bumpSerial(context.Background(), mailbox.ClassMessages, h.session.userNum)

	h.messages = keep
	return nil
}

func (h *mailboxHandle) Store(uid bool, seqs []imapparser.SeqRange, store *imapparser.Store) (imap.StoreResults, error) {
	var results imap.StoreResults
	for _, i := range h.selectRange(uid, seqs) {
		m := h.messages[i]

		var status mailbox.Status
		var tags []string
		switch store.Mode {
		case imapparser.StoreReplace:
			status = replaceStatus(store.Flags)
			tags = replaceTags(store.Flags)
		case imapparser.StoreAdd:
			status = m.Status
			tags = append([]string{}, m.Tags...)
			for _, f := range store.Flags {
				name := string(f)
				if bit, ok := flagBits[name]; ok {
					status = status.Set(bit)
				} else if !containsStr(tags, name) {
					tags = append(tags, name)
				}
			}
		case imapparser.StoreRemove:
			status = m.Status
			tags = append([]string{}, m.Tags...)
			for _, f := range store.Flags {
				name := string(f)
				if bit, ok := flagBits[name]; ok {
					status = status.Clear(bit)
				} else {
					tags = removeStr(tags, name)
				}
			}
		}

		m.Status = status
		m.Tags = tags

		conn := h.session.box.RW(context.Background())
		err := userdb.SetStatus(conn, m.MessageNum, status)
		h.session.box.PutRW(conn)
		if err != nil {
			return results, err
		}

		if !store.Silent {
			results.Stored = append(results.Stored, imap.StoreResult{
				SeqNum:      uint32(i + 1),
				UID:         uint32(m.MessageNum),
				Flags:       flagsOf(m),
				ModSequence: int64(m.MessageNum),
			})
		}
	}
	return results, nil
}

func replaceStatus(flags [][]byte) mailbox.Status {
	var status mailbox.Status
	for _, f := range flags {
		if bit, ok := flagBits[string(f)]; ok {
			status = status.Set(bit)
		}
	}
	return status
}

func replaceTags(flags [][]byte) []string {
	var tags []string
	for _, f := range flags {
		name := string(f)
		if _, ok := flagBits[name]; !ok {
			tags = append(tags, name)
		}
	}
	return tags
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func removeStr(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func (h *mailboxHandle) Move(uid bool, seqs []imapparser.SeqRange, dst imap.Mailbox, fn func(seqNum, srcUID, dstUID uint32)) error {
	dh, ok := dst.(*mailboxHandle)
	if !ok {
		return fmt.Errorf("imapd: move destination is not a mailboxHandle")
	}

	idx := h.selectRange(uid, seqs)
	moving := make(map[int]bool, len(idx))
	for _, j := range idx {
		moving[j] = true
	}

	var kept []*mailbox.Message
	for i, m := range h.messages {
		if !moving[i] {
			kept = append(kept, m)
			continue
		}

		conn := h.session.box.RW(context.Background())
		stmt := conn.Prep(`UPDATE Messages SET FolderNum = $folder WHERE MessageNum = $num;`)
		stmt.SetInt64("$folder", int64(dh.folder))
		stmt.SetInt64("$num", int64(m.MessageNum))
		_, err := stmt.Step()
		h.session.box.PutRW(conn)
		if err != nil {
			return err
		}

		m.FolderNum = dh.folder
		dh.messages = append(dh.messages, m)
		if fn != nil {
			fn(uint32(i+1), uint32(m.MessageNum), uint32(m.MessageNum))
		}
	}
	h.messages = kept
	h.session.backend.bumpSerial(context.Background(), mailbox.ClassMessages, h.session.userNum)
	return nil
}

func (h *mailboxHandle) Copy(uid bool, seqs []imapparser.SeqRange, dst imap.Mailbox, fn func(srcUID, dstUID uint32)) error {
	dh, ok := dst.(*mailboxHandle)
	if !ok {
		return fmt.Errorf("imapd: copy destination is not a mailboxHandle")
	}

	for _, i := range h.selectRange(uid, seqs) {
		m := h.messages[i]

		conn := h.session.box.RO(context.Background())
		objectKey, err := userdb.ObjectKey(conn, m.MessageNum)
		h.session.box.PutRO(conn)
		if err != nil {
			return err
		}

		copyMsg := &mailbox.Message{
			FolderNum: dh.folder,
			Size:      m.Size,
			Status:    m.Status.Clear(mailbox.StatusRecent),
			Tags:      append([]string{}, m.Tags...),
			Created:   m.Created,
		}

		conn = h.session.box.RW(context.Background())
		num, err := userdb.InsertMessage(conn, copyMsg, objectKey)
		h.session.box.PutRW(conn)
		if err != nil {
			return err
		}
		copyMsg.MessageNum = num

		h.session.lock.Lock()
		h.session.user.Messages[num] = copyMsg
		h.session.lock.Unlock()

		dh.messages = append(dh.messages, copyMsg)
		if fn != nil {
			fn(uint32(m.MessageNum), uint32(num))
		}
	}
	h.session.backend.bumpSerial(context.Background(), mailbox.ClassMessages, h.session.userNum)
	return nil
}

func (h *mailboxHandle) HighestModSequence() (int64, error) {
	return h.highestModSeq(), nil
}

func (h *mailboxHandle) Close() error {
	return nil
}

// message implements imap.Message, materializing the email.Msg lazily
// from the tank the first time the caller asks for it.
type message struct {
	seqNum int
	meta   *mailbox.Message
	handle *mailboxHandle

	msg *email.Msg
}

func (m *message) Summary() imap.MessageSummary {
	return imap.MessageSummary{SeqNum: uint32(m.seqNum), UID: uint32(m.meta.MessageNum), ModSeq: int64(m.meta.MessageNum)}
}

func (m *message) Msg() *email.Msg {
	if m.msg == nil {
		m.msg, _ = loadMsg(m.handle.session, m.meta)
	}
	return m.msg
}

func (m *message) LoadPart(partNum int) error {
	msg := m.Msg()
	if msg == nil {
		return fmt.Errorf("imapd: message %d could not be loaded", m.meta.MessageNum)
	}
	if partNum < 0 || partNum >= len(msg.Parts) {
		return fmt.Errorf("imapd: no such part %d", partNum)
	}
	// Cleave already loaded every part's content into memory, so there
	// is nothing further to fetch here.
	return nil
}

func (m *message) SetSeen() error {
	m.meta.Status = m.meta.Status.Set(mailbox.StatusSeen)
	conn := m.handle.session.box.RW(context.Background())
	defer m.handle.session.box.PutRW(conn)
	return userdb.SetStatus(conn, m.meta.MessageNum, m.meta.Status)
}

func (m *message) close() {
	if m.msg != nil {
		m.msg.Close()
	}
}

// loadMsg fetches a message's raw bytes from the tank by looking up
// its object key in userdb, then cleaves them into an *email.Msg.
func loadMsg(s *session, meta *mailbox.Message) (*email.Msg, error) {
	conn := s.box.RO(context.Background())
	objectKey, err := userdb.ObjectKey(conn, meta.MessageNum)
	s.box.PutRO(conn)
	if err != nil {
		return nil, err
	}

	key, err := tank.ParseKey(objectKey)
	if err != nil {
		return nil, err
	}
	raw, err := s.backend.eng.Load(context.Background(), key, s.userNum, meta.MessageNum, func(ctx context.Context, userNum mailbox.UserNum, messageNum mailbox.MessageNum) error {
		conn := s.box.RW(ctx)
		defer s.box.PutRW(conn)
		return userdb.HideMessage(conn, messageNum)
	})
	if err != nil {
		return nil, err
	}

	return msgcleaver.Cleave(s.backend.filer, bytes.NewReader(raw))
}
