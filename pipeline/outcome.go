// Package pipeline runs an accepted SMTP recipient through magma's
// ordered inbound content checks (size, RBL, SPF, DKIM, virus, spam,
// greylist, filters) and reduces each check's result to the
// composite outcome bitmask and per-recipient action the spec
// describes in §4.5.
//
// Grounded on smtp/smtpserver/greylist/greylist.go for the one check
// the teacher already implements as a NewMessageFunc-shaped plugin;
// the other checks (RBL, SPF, virus, spam) are new, following the same
// small-interface shape so Run can compose them uniformly.
package pipeline

// Outcome is the composite result bitmask a check may set, matching
// spec §4.5's SUCCESS | PERM_FAILURE | TEMP_* | BOUNCE_* vocabulary.
type Outcome uint32

const (
	Success Outcome = 1 << iota
	PermFailure
	TempServer
	TempOverQuota
	TempLocked
	BounceSPF
	BounceDKIM
	BounceVirus
	BouncePhish
	BounceSpam
	BounceRBL
)

func (o Outcome) Has(bit Outcome) bool { return o&bit != 0 }

// IsBounce reports whether any BOUNCE_* bit is set.
func (o Outcome) IsBounce() bool {
	return o&(BounceSPF|BounceDKIM|BounceVirus|BouncePhish|BounceSpam|BounceRBL) != 0
}

// IsTemp reports whether any TEMP_* bit is set.
func (o Outcome) IsTemp() bool {
	return o&(TempServer|TempOverQuota|TempLocked) != 0
}

// SMTPCode maps an outcome to the reply code the session should use,
// choosing the worst case when multiple bits are set (spec §4.5:
// "the SMTP reply code is chosen as the worst-case outcome").
// Severity order, worst first: PermFailure > Temp* > Bounce* > Success.
func (o Outcome) SMTPCode() int {
	switch {
	case o.Has(PermFailure):
		return 550
	case o.Has(TempOverQuota):
		return 452
	case o.Has(TempLocked):
		return 450
	case o.Has(TempServer):
		return 451
	case o.IsBounce():
		return 250 // accepted for bounce generation, not rejected outright
	case o.Has(Success):
		return 250
	default:
		return 451
	}
}

// Policy is a per-check, per-recipient disposition: how a check's
// negative result should be handled.
type Policy int

const (
	PolicyBounce Policy = iota
	PolicyMark
	PolicyIgnore
)
