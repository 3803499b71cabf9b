package processor

import (
	"testing"

	"magma.email/email"
)

func TestFindBodyHTMLPicksHTMLBody(t *testing.T) {
	msg := &email.Msg{
		Parts: []email.Part{
			{PartNum: 0, IsBody: true, ContentType: "text/plain"},
			{PartNum: 1, IsBody: true, ContentType: "text/html"},
		},
	}
	part := findBodyHTML(msg)
	if part == nil || part.PartNum != 1 {
		t.Fatalf("findBodyHTML = %+v, want part 1", part)
	}
}

func TestFindBodyHTMLNoneReturnsNil(t *testing.T) {
	msg := &email.Msg{
		Parts: []email.Part{
			{PartNum: 0, IsBody: true, ContentType: "text/plain"},
		},
	}
	if part := findBodyHTML(msg); part != nil {
		t.Fatalf("findBodyHTML = %+v, want nil", part)
	}
}
