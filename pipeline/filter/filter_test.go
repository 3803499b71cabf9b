package filter

import (
	"context"
	"testing"
)

func TestApplyMoveRule(t *testing.T) {
	rules := StaticRules{Rules: []Rule{
		{Location: LocationSubject, Type: MatchContains, Pattern: "newsletter", Action: ActionMove, Target: "Newsletters"},
	}}
	e := New(rules)
	headers := []byte("Subject: Weekly Newsletter\r\nFrom: a@example.com\r\n\r\n")
	res, err := e.Apply(context.Background(), "bob@example.com", headers, []byte("body"))
	if err != nil {
		t.Fatal(err)
	}
	if res.MoveTo != "Newsletters" {
		t.Fatalf("MoveTo = %q, want Newsletters", res.MoveTo)
	}
}

func TestApplyDeleteShortCircuits(t *testing.T) {
	rules := StaticRules{Rules: []Rule{
		{Location: LocationSubject, Type: MatchContains, Pattern: "spam", Action: ActionDelete},
		{Location: LocationSubject, Type: MatchContains, Pattern: "spam", Action: ActionLabel, Target: "should-not-apply"},
	}}
	e := New(rules)
	headers := []byte("Subject: totally spam\r\n\r\n")
	res, err := e.Apply(context.Background(), "bob@example.com", headers, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Delete {
		t.Fatal("expected Delete to be set")
	}
	if len(res.Labels) != 0 {
		t.Fatal("DELETE should short-circuit later rules")
	}
}

func TestApplyNoRulesIsNoop(t *testing.T) {
	e := New(StaticRules{})
	res, err := e.Apply(context.Background(), "bob@example.com", []byte("Subject: x\r\n\r\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Delete || res.MoveTo != "" || len(res.Labels) != 0 {
		t.Fatal("expected a zero FilterResult when no rules are configured")
	}
}

func TestRegexpMatch(t *testing.T) {
	rules := StaticRules{Rules: []Rule{
		{Location: LocationFrom, Type: MatchRegexp, Pattern: `@(spam|junk)\.example\.com$`, Action: ActionLabel, Target: "Suspicious"},
	}}
	e := New(rules)
	headers := []byte("From: someone@spam.example.com\r\n\r\n")
	res, err := e.Apply(context.Background(), "bob@example.com", headers, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Labels) != 1 || res.Labels[0] != "Suspicious" {
		t.Fatalf("Labels = %v, want [Suspicious]", res.Labels)
	}
}
