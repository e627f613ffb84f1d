package search

import (
	"reflect"
	"testing"
	"time"
)

func TestParseBareKeywords(t *testing.T) {
	q := Parse("pay invoice")
	if !reflect.DeepEqual(q.Terms, []string{"pay", "invoice"}) {
		t.Fatalf("unexpected terms: %v", q.Terms)
	}
	if len(q.Fields) != 0 || q.IsRead != nil {
		t.Fatalf("unexpected predicates: %+v", q)
	}
}

func TestParseFieldClauses(t *testing.T) {
	q := Parse("from:a@x.com; subject:Invoice")
	want := []FieldTerm{
		{Field: FieldFrom, Value: "a@x.com"},
		{Field: FieldSubject, Value: "Invoice"},
	}
	if !reflect.DeepEqual(q.Fields, want) {
		t.Fatalf("unexpected fields: %+v", q.Fields)
	}
	if len(q.Terms) != 0 {
		t.Fatalf("unexpected terms: %v", q.Terms)
	}
}

func TestParseSpaceSeparatedFields(t *testing.T) {
	q := Parse("to:b@x.com body:urgent")
	want := []FieldTerm{
		{Field: FieldTo, Value: "b@x.com"},
		{Field: FieldBody, Value: "urgent"},
	}
	if !reflect.DeepEqual(q.Fields, want) {
		t.Fatalf("unexpected fields: %+v", q.Fields)
	}
}

func TestParseQuotedValue(t *testing.T) {
	q := Parse(`subject:"quarterly report"`)
	if len(q.Fields) != 1 || q.Fields[0].Value != "quarterly report" {
		t.Fatalf("unexpected fields: %+v", q.Fields)
	}
}

func TestParseIsRead(t *testing.T) {
	q := Parse("is_read:false")
	if q.IsRead == nil || *q.IsRead {
		t.Fatalf("expected is_read=false, got %+v", q.IsRead)
	}

	q = Parse("is_read:yes")
	if q.IsRead == nil || !*q.IsRead {
		t.Fatalf("expected is_read=true, got %+v", q.IsRead)
	}
}

func TestParseIsReadInvalidDegradesToKeywords(t *testing.T) {
	q := Parse("is_read:maybe")
	if q.IsRead != nil {
		t.Fatalf("expected no is_read predicate")
	}
	if !reflect.DeepEqual(q.Terms, []string{"is_read", "maybe"}) {
		t.Fatalf("unexpected terms: %v", q.Terms)
	}
}

func TestParseDate(t *testing.T) {
	q := Parse("date:2026-08-20")
	if q.Since == nil || q.Until == nil {
		t.Fatalf("expected date range")
	}
	if q.Since.Format("2006-01-02") != "2026-08-20" {
		t.Fatalf("unexpected since: %v", q.Since)
	}
	if !q.Until.Equal(q.Since.AddDate(0, 0, 1)) {
		t.Fatalf("expected one-day window, got %v .. %v", q.Since, q.Until)
	}
}

func TestParseRecent(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	q := ParseAt("recent:2h", now)
	if q.Since == nil || !q.Since.Equal(now.Add(-2*time.Hour)) {
		t.Fatalf("unexpected since: %v", q.Since)
	}

	q = ParseAt("recent:7d", now)
	if q.Since == nil || !q.Since.Equal(now.Add(-7*24*time.Hour)) {
		t.Fatalf("unexpected since: %v", q.Since)
	}
}

func TestParseUnknownFieldIsKeyword(t *testing.T) {
	q := Parse("urgency:high refund")
	if len(q.Fields) != 0 {
		t.Fatalf("unexpected fields: %+v", q.Fields)
	}
	if !reflect.DeepEqual(q.Terms, []string{"urgency", "high", "refund"}) {
		t.Fatalf("unexpected terms: %v", q.Terms)
	}
}

func TestParseEmpty(t *testing.T) {
	if q := Parse("   "); !q.IsEmpty() {
		t.Fatalf("expected empty query, got %+v", q)
	}
}

func TestParseMixed(t *testing.T) {
	q := Parse("from:a@x.com pay invoice; is_read:false")
	if len(q.Fields) != 1 || q.Fields[0].Field != FieldFrom {
		t.Fatalf("unexpected fields: %+v", q.Fields)
	}
	if !reflect.DeepEqual(q.Terms, []string{"pay", "invoice"}) {
		t.Fatalf("unexpected terms: %v", q.Terms)
	}
	if q.IsRead == nil || *q.IsRead {
		t.Fatalf("expected is_read=false")
	}
}
