// Package filter implements pipeline.Filters: a per-recipient ordered
// rule list matching a (location, match type) pair against an
// incoming message and applying every rule that matches, except that
// a DELETE action short-circuits the rest (spec §4.5 step 8).
//
// Grounded on third_party/imf's adapted net/textproto header reader
// for splitting the raw message into headers and body; net/textproto
// is used directly here rather than the trimmed-down imf.Reader,
// since this package only needs ReadMIMEHeader's map-of-header-values
// result, not imf's RFC 5322 folding/continuation edge cases that the
// MIME parser proper (email/msgcleaver) already owns.
package filter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/textproto"
	"regexp"
	"strings"

	"magma.email/pipeline"
)

// Location names where a rule's pattern is matched.
type Location int

const (
	LocationHeader Location = iota // a named header, see Rule.Header
	LocationSubject
	LocationFrom
	LocationTo
	LocationBody
)

// MatchType names how Rule.Pattern is compared against the located text.
type MatchType int

const (
	MatchContains MatchType = iota
	MatchEquals
	MatchRegexp
)

// Action is what a matching Rule does to the recipient's copy.
type Action int

const (
	ActionLabel Action = iota
	ActionMove
	ActionMarkRead
	ActionDelete
)

// Rule is one (location, match) -> action mapping. Header is only
// consulted when Location == LocationHeader.
type Rule struct {
	Location Location
	Header   string
	Type     MatchType
	Pattern  string
	Action   Action
	Target   string // folder name for ActionMove, label name for ActionLabel

	re *regexp.Regexp
}

// compile lazily builds the regexp backing a MatchRegexp rule, or a
// case-insensitive literal matcher for MatchContains/MatchEquals.
func (r *Rule) compile() error {
	if r.re != nil {
		return nil
	}
	switch r.Type {
	case MatchRegexp:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return err
		}
		r.re = re
	default:
		r.re = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(r.Pattern))
	}
	return nil
}

func (r *Rule) matches(text string) bool {
	switch r.Type {
	case MatchEquals:
		return strings.EqualFold(text, r.Pattern)
	default:
		return r.re.MatchString(text)
	}
}

// RuleSet evaluates one recipient's filter rules, in order.
type RuleSet struct {
	Rules []Rule
}

// Rules is a per-recipient rule-set lookup, letting one Engine serve
// every mailbox.
type Rules interface {
	RulesFor(recipient string) ([]Rule, error)
}

// Engine is a pipeline.Filters backed by a per-recipient Rules lookup.
type Engine struct {
	Rules Rules
}

// New returns an Engine consulting the given per-recipient rule source.
func New(rules Rules) *Engine {
	return &Engine{Rules: rules}
}

// Apply implements pipeline.Filters.
func (e *Engine) Apply(ctx context.Context, recipient string, headers, body []byte) (pipeline.FilterResult, error) {
	rules, err := e.Rules.RulesFor(recipient)
	if err != nil {
		return pipeline.FilterResult{}, err
	}
	if len(rules) == 0 {
		return pipeline.FilterResult{}, nil
	}

	hdr, err := parseHeaders(headers)
	if err != nil {
		return pipeline.FilterResult{}, err
	}

	var result pipeline.FilterResult
	for i := range rules {
		r := &rules[i]
		if err := r.compile(); err != nil {
			continue
		}
		var text string
		switch r.Location {
		case LocationHeader:
			text = hdr.Get(r.Header)
		case LocationSubject:
			text = hdr.Get("Subject")
		case LocationFrom:
			text = hdr.Get("From")
		case LocationTo:
			text = hdr.Get("To")
		case LocationBody:
			text = string(body)
		}
		if !r.matches(text) {
			continue
		}
		switch r.Action {
		case ActionDelete:
			result.Delete = true
			return result, nil
		case ActionMove:
			result.MoveTo = r.Target
		case ActionLabel:
			result.Labels = append(result.Labels, r.Target)
		case ActionMarkRead:
			result.MarkRead = true
		}
	}
	return result, nil
}

func parseHeaders(raw []byte) (textproto.MIMEHeader, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return hdr, nil
}

// StaticRules is a Rules implementation returning the same rule list
// for every recipient, useful for tests and single-tenant deployments.
type StaticRules struct {
	Rules []Rule
}

func (s StaticRules) RulesFor(recipient string) ([]Rule, error) {
	return s.Rules, nil
}
