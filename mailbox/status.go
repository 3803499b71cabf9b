// Package mailbox implements magma's per-user mailbox state model: the
// user/folder/message/alias data model, the serial/checkpoint
// mechanism protocol sessions use to detect a stale in-memory view,
// and the process-wide user cache that lazily materializes and
// reference-counts per-user state.
//
// Grounded on spilldb/spillbox/spillbox.go's user-state conventions
// (typed int64 identifiers with a String()/Parse pair, a UnixTime
// wrapper for JSON-friendly timestamps) and spilldb/boxmgmt/boxmgmt.go
// for the process-wide, reference-counted user cache shape; the
// underlying collection (a Gmail-label model keyed by ConvoID) is
// replaced with the folder-tree model spec §3 describes, since that is
// the data model this module targets.
package mailbox

// Status is the meta-message status bitmask from spec §3.
type Status uint32

const (
	StatusSeen Status = 1 << iota
	StatusAnswered
	StatusFlagged
	StatusDeleted
	StatusDraft
	StatusRecent
	StatusJunk
	StatusInfected
	StatusSpoofed
	StatusPhishing
	StatusEncrypted
	StatusBlackholed
)

func (s Status) Has(bit Status) bool { return s&bit != 0 }

// Set returns s with bit added.
func (s Status) Set(bit Status) Status { return s | bit }

// Clear returns s with bit removed.
func (s Status) Clear(bit Status) Status { return s &^ bit }

// UserFlags are per-user policy bits from spec §3's User attributes.
type UserFlags uint32

const (
	UserFlagTLSRequired UserFlags = 1 << iota
	UserFlagOverQuota
	UserFlagEncryptAtRest
)
