package pipeline

import "context"

// RBLChecker looks up a connecting IP against DNS realtime blocklists.
// Per spec §4.5 the result is cached across recipients within one
// session, since it depends only on the connecting IP, not the
// recipient.
type RBLChecker interface {
	Check(ctx context.Context, remoteIP string) (listed bool, err error)
}

// SPFChecker evaluates a return-path against the sender domain's
// published SPF policy.
type SPFChecker interface {
	Check(ctx context.Context, remoteIP, mailFrom, heloName string) (pass bool, err error)
}

// DKIMVerifier verifies any DKIM-Signature headers present on a
// message. magma's teacher already ships an email/dkim verifier; this
// interface lets the pipeline depend on it without an import cycle.
type DKIMVerifier interface {
	Verify(ctx context.Context, rawMessage []byte) (valid bool, err error)
}

// VirusScanner streams a message body to an external scanner (e.g.
// ClamAV, named only as an interface per spec's out-of-scope list).
type VirusScanner interface {
	Scan(ctx context.Context, body []byte) (infected bool, err error)
}

// SpamClassifier runs a statistical spam classifier over a message,
// returning a signature id/key pair retained in the stored meta-
// message for later per-user retraining (spec §4.5 step 6).
type SpamClassifier interface {
	Classify(ctx context.Context, headers, body []byte) (spam bool, sigNum int64, sigKey []byte, err error)
}

// Greylist implements the first-sighting-defers, retry-after-window
// check described in spec §4.5 step 7.
type Greylist interface {
	// Check returns true if the tuple should be allowed through
	// (either previously seen and past greyTime, or whitelisted), and
	// false if this is a first sighting that should be temp-failed.
	Check(ctx context.Context, remoteAddr, from, to string) (allow bool, err error)
}

// Filters evaluates a recipient's rule set over a message (spec §4.5
// step 8): match location x type -> action, all matching rules apply
// except DELETE which short-circuits.
type Filters interface {
	Apply(ctx context.Context, recipient string, headers, body []byte) (FilterResult, error)
}

// FilterResult is the aggregate effect of every matching filter rule.
type FilterResult struct {
	Delete   bool
	MoveTo   string // folder name, empty if no MOVE rule matched
	Labels   []string
	MarkRead bool
}
