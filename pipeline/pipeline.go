package pipeline

import (
	"context"
	"fmt"
)

// Envelope carries the per-session facts the pipeline needs that
// don't vary per recipient: the connecting peer, HELO name, and
// return path, plus the size of the message as announced by the
// client (spec §4.5's "envelope parsing" step).
type Envelope struct {
	RemoteAddr string
	HeloName   string
	MailFrom   string
	Recipients []string
	Size       int64
}

// Action is what the pipeline decided to do with one recipient's
// copy of a message, after reducing that recipient's Outcome bits.
type Action int

const (
	ActionStore Action = iota
	ActionBounce
	ActionDrop
)

// Result is one recipient's outcome after running the full check
// sequence.
type Result struct {
	Recipient string
	Outcome   Outcome
	Action    Action
	SigNum    int64
	SigKey    []byte
}

// Checks bundles the pluggable collaborators the pipeline calls in
// order. A nil field skips that check entirely (treated as pass),
// which lets callers run a partial pipeline in tests or in
// deployments missing an optional collaborator (e.g. no ClamAV).
type Checks struct {
	MaxMessageSize int64

	RBL      RBLChecker
	SPF      SPFChecker
	DKIM     DKIMVerifier
	Virus    VirusScanner
	Spam     SpamClassifier
	Greylist Greylist
	Filters  Filters

	// Policy selects what happens to a recipient whose outcome gained
	// a given BOUNCE_* bit. Unlisted bits default to PolicyBounce,
	// matching spec §4.5's default disposition for a failed security
	// check; BounceSpam defaults to PolicyMark so spam lands in the
	// recipient's Junk folder rather than generating a bounce back to
	// what is usually a forged sender.
	Policy map[Outcome]Policy
}

func (c *Checks) policyFor(bit Outcome) Policy {
	if c.Policy != nil {
		if p, ok := c.Policy[bit]; ok {
			return p
		}
	}
	if bit == BounceSpam {
		return PolicyMark
	}
	return PolicyBounce
}

// Run executes the ordered inbound content-check sequence from spec
// §4.5 (size, RBL, SPF, DKIM, virus, spam, greylist, filters) over one
// accepted message and reduces each recipient's result to a composite
// Outcome and Action. Checks that depend only on the envelope (RBL,
// SPF, DKIM, virus, spam) run once and apply to every recipient;
// greylist and filters run per recipient since they depend on the
// recipient address.
func Run(ctx context.Context, c *Checks, env *Envelope, headers, body []byte) ([]Result, error) {
	if c.MaxMessageSize > 0 && env.Size > c.MaxMessageSize {
		results := make([]Result, len(env.Recipients))
		for i, rcpt := range env.Recipients {
			results[i] = Result{Recipient: rcpt, Outcome: PermFailure, Action: ActionBounce}
		}
		return results, nil
	}

	shared, err := runSharedChecks(ctx, c, env, headers, body)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(env.Recipients))
	for i, rcpt := range env.Recipients {
		outcome := shared
		if c.Greylist != nil {
			allow, err := c.Greylist.Check(ctx, env.RemoteAddr, env.MailFrom, rcpt)
			if err != nil {
				return nil, fmt.Errorf("pipeline: greylist check for %s: %w", rcpt, err)
			}
			if !allow {
				outcome |= TempLocked
			}
		}
		if outcome&TempLocked == 0 && c.Filters != nil {
			fr, err := c.Filters.Apply(ctx, rcpt, headers, body)
			if err != nil {
				return nil, fmt.Errorf("pipeline: filters for %s: %w", rcpt, err)
			}
			if fr.Delete {
				results[i] = Result{Recipient: rcpt, Outcome: outcome, Action: ActionDrop}
				continue
			}
		}
		results[i] = Result{Recipient: rcpt, Outcome: outcome, Action: reduce(c, outcome)}
	}
	return results, nil
}

// runSharedChecks runs the envelope-wide checks (RBL, SPF, DKIM,
// virus, spam) once and folds their bits into a base Outcome common
// to every recipient. The caller still needs to add TempLocked
// (greylist) and evaluate filters per recipient.
func runSharedChecks(ctx context.Context, c *Checks, env *Envelope, headers, body []byte) (Outcome, error) {
	var outcome Outcome

	if c.RBL != nil {
		listed, err := c.RBL.Check(ctx, env.RemoteAddr)
		if err != nil {
			return 0, fmt.Errorf("pipeline: rbl check: %w", err)
		}
		if listed {
			outcome |= BounceRBL
		}
	}
	if c.SPF != nil {
		pass, err := c.SPF.Check(ctx, env.RemoteAddr, env.MailFrom, env.HeloName)
		if err != nil {
			return 0, fmt.Errorf("pipeline: spf check: %w", err)
		}
		if !pass {
			outcome |= BounceSPF
		}
	}
	if c.DKIM != nil {
		raw := append(append([]byte{}, headers...), body...)
		valid, err := c.DKIM.Verify(ctx, raw)
		if err != nil {
			return 0, fmt.Errorf("pipeline: dkim verify: %w", err)
		}
		if !valid {
			outcome |= BounceDKIM
		}
	}
	if c.Virus != nil {
		infected, err := c.Virus.Scan(ctx, body)
		if err != nil {
			return 0, fmt.Errorf("pipeline: virus scan: %w", err)
		}
		if infected {
			outcome |= BounceVirus
		}
	}
	if c.Spam != nil {
		spam, _, _, err := c.Spam.Classify(ctx, headers, body)
		if err != nil {
			return 0, fmt.Errorf("pipeline: spam classify: %w", err)
		}
		if spam {
			outcome |= BounceSpam
		}
	}
	if outcome == 0 {
		outcome = Success
	}
	return outcome, nil
}

// reduce turns a recipient's accumulated Outcome into the single
// Action the delivery layer takes, applying each set bounce bit's
// configured Policy. TEMP_* always wins over a bounce verdict since a
// deferred recipient gets another chance; PolicyIgnore on every set
// bit falls through to a plain store, matching spec §4.5's "ignore
// failed result entirely" disposition.
func reduce(c *Checks, outcome Outcome) Action {
	if outcome.IsTemp() {
		return ActionBounce
	}
	if outcome.Has(PermFailure) {
		return ActionBounce
	}
	bounceBits := []Outcome{BounceSPF, BounceDKIM, BounceVirus, BouncePhish, BounceSpam, BounceRBL}
	for _, bit := range bounceBits {
		if !outcome.Has(bit) {
			continue
		}
		switch c.policyFor(bit) {
		case PolicyBounce:
			return ActionBounce
		case PolicyMark:
			return ActionStore
		case PolicyIgnore:
			continue
		}
	}
	return ActionStore
}
