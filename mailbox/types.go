package mailbox

import (
	"fmt"
	"strconv"
	"time"
)

// UserNum identifies a user, stable for the lifetime of the account.
type UserNum int64

func (u UserNum) String() string { return strconv.FormatInt(int64(u), 10) }

// FolderNum identifies a folder within one user's tree. 0 is the root.
type FolderNum int64

func (f FolderNum) String() string { return strconv.FormatInt(int64(f), 10) }

// MessageNum identifies a meta-message within one user, unique within
// that user per spec §3 ("(usernum, messagenum) uniquely identifies").
type MessageNum int64

func (m MessageNum) String() string { return strconv.FormatInt(int64(m), 10) }

// Class identifies an object class tracked by a serial counter.
type Class string

const (
	ClassUser     Class = "USER"
	ClassFolders  Class = "FOLDERS"
	ClassMessages Class = "MESSAGES"
	ClassContacts Class = "CONTACTS"
)

// ProtocolRefs counts active sessions per protocol for a User, used to
// decide when the user's in-memory state may be pruned from the
// process-wide cache (spec §3: "pruned when all protocol reference
// counts reach zero").
type ProtocolRefs struct {
	SMTP, POP, IMAP, Web, DMTP, Generic int32
}

// Total returns the sum of all protocol reference counts.
func (p ProtocolRefs) Total() int32 {
	return p.SMTP + p.POP + p.IMAP + p.Web + p.DMTP + p.Generic
}

// User is the in-memory mirror of one account's mailbox state.
type User struct {
	UserNum UserNum
	Name    string // username, UTF-8

	VerificationToken []byte // STACIE verification_token
	PrivateKeyBlob    []byte // PRIME-encrypted private key
	PublicKey         []byte // plaintext public key

	Flags        UserFlags
	LastActivity time.Time

	Refs ProtocolRefs

	Aliases []*Alias
	Folders *FolderTree
	// Messages is keyed by MessageNum for O(1) lookup independent of
	// folder membership; a message's FolderNum field places it within
	// Folders.
	Messages map[MessageNum]*Message
}

// Alias is a (display-name, address) pair belonging to a user; exactly
// one alias per user should have Selected set.
type Alias struct {
	DisplayName string
	Address     string
	Selected    bool
}

// Folder is one node in a user's folder tree (spec §3).
type Folder struct {
	FolderNum FolderNum
	Parent    FolderNum // 0 for root
	Name      string    // modified-UTF-7 escapable
	Order     int
}

// MaxFolderDepth is the spec §3 invariant: depth ≤ 16.
const MaxFolderDepth = 16

// Message is the in-memory meta-message descriptor (spec §3).
type Message struct {
	MessageNum MessageNum
	FolderNum  FolderNum
	Size       int64 // plaintext bytes
	Server     string
	Status     Status
	SigNum     int64
	SigKey     []byte
	Tags       []string
	Created    time.Time

	// Hidden marks a message flagged missing or corrupt on disk (spec
	// §3: "a hidden message... is never returned to clients but
	// remains in the index until explicit expunge").
	Hidden bool
}

func (u UserNum) GoString() string      { return fmt.Sprintf("mailbox.UserNum(%d)", int64(u)) }
func (f FolderNum) GoString() string    { return fmt.Sprintf("mailbox.FolderNum(%d)", int64(f)) }
func (m MessageNum) GoString() string   { return fmt.Sprintf("mailbox.MessageNum(%d)", int64(m)) }
