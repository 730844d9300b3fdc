package handlers

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFlexTimeUnmarshalJSON(t *testing.T) {
	want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		in   string
	}{
		{"rfc3339", `"2026-08-01T10:00:00Z"`},
		{"rfc3339 with offset", `"2026-08-01T12:00:00+02:00"`},
		{"epoch seconds", `1785578400`},
		{"epoch string", `"1785578400"`},
	}
	for _, tc := range cases {
		var ft flexTime
		if err := json.Unmarshal([]byte(tc.in), &ft); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !ft.Time.Equal(want) {
			t.Fatalf("%s: want=%v got=%v", tc.name, want, ft.Time)
		}
	}
}

func TestFlexTimeEmptyStaysZero(t *testing.T) {
	for _, in := range []string{`null`, `""`} {
		var ft flexTime
		if err := json.Unmarshal([]byte(in), &ft); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if !ft.Time.IsZero() {
			t.Fatalf("%s: want zero got %v", in, ft.Time)
		}
		if ft.Ptr() != nil {
			t.Fatalf("%s: zero value must map to nil filter", in)
		}
	}
}

func TestFlexTimeRejectsGarbage(t *testing.T) {
	var ft flexTime
	if err := json.Unmarshal([]byte(`"yesterday"`), &ft); err == nil {
		t.Fatalf("garbage timestamp must be rejected")
	}
}

func TestFlexTimeUnmarshalParam(t *testing.T) {
	want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	var ft flexTime
	if err := ft.UnmarshalParam("2026-08-01T10:00:00Z"); err != nil {
		t.Fatalf("rfc3339 param: %v", err)
	}
	if !ft.Time.Equal(want) {
		t.Fatalf("param: want=%v got=%v", want, ft.Time)
	}

	var empty flexTime
	if err := empty.UnmarshalParam(""); err != nil {
		t.Fatalf("empty param: %v", err)
	}
	if empty.Ptr() != nil {
		t.Fatalf("empty param must stay unset")
	}
}
