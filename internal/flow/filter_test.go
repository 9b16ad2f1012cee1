package flow

import "testing"

func flowForFilterTests() *Flow {
	f := NewHTTP(&Request{
		Method: "GET",
		Scheme: "https",
		Host:   "example.com",
		Port:   443,
		Path:   "/widgets",
	})
	f.Response = &Response{StatusCode: 200}
	f.Marked = "x"
	return f
}

func TestParseFilterScenarioS6(t *testing.T) {
	f := flowForFilterTests()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"method and host-or-status matches", "~m GET & (~d example | ~c 500)", true},
		{"negated marked does not match", "! ~marked", false},
		{"bare string url regex", "widgets", true},
		{"status code leaf", "~c 200", true},
		{"mismatched method", "~m POST", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := ParseFilter(tt.expr)
			if err != nil {
				t.Fatalf("ParseFilter(%q) error: %v", tt.expr, err)
			}
			if got := pred.Matches(f); got != tt.want {
				t.Errorf("ParseFilter(%q).Matches(f) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseFilterBodyRegex(t *testing.T) {
	f := flowForFilterTests()
	f.Request.SetContent([]byte("contains example text"))

	pred, err := ParseFilter(`~b (?i)example`)
	if err != nil {
		t.Fatalf("ParseFilter error: %v", err)
	}
	if !pred.Matches(f) {
		t.Error("expected ~b regex to match request body")
	}
}

func TestParseFilterHeaderLeaf(t *testing.T) {
	f := flowForFilterTests()
	f.Request.Headers.Add("X-Request-Id", "abc-123")

	pred, err := ParseFilter(`~h x-request-id:abc-\d+`)
	if err != nil {
		t.Fatalf("ParseFilter error: %v", err)
	}
	if !pred.Matches(f) {
		t.Error("expected ~h leaf to match header case-insensitively")
	}
}

func TestParseFilterFlowKindLeaves(t *testing.T) {
	httpFlow := flowForFilterTests()
	tcpFlow := New(KindTCP)

	pred, err := ParseFilter("~tcp")
	if err != nil {
		t.Fatalf("ParseFilter error: %v", err)
	}
	if pred.Matches(httpFlow) {
		t.Error("expected ~tcp not to match an HTTP flow")
	}
	if !pred.Matches(tcpFlow) {
		t.Error("expected ~tcp to match a TCP flow")
	}
}

func TestParseFilterCompileErrorDoesNotPanic(t *testing.T) {
	_, err := ParseFilter("~h missing-colon")
	if err == nil {
		t.Fatal("expected compile error for malformed ~h leaf")
	}

	_, err = ParseFilter("~c not-a-number")
	if err == nil {
		t.Fatal("expected compile error for non-numeric ~c leaf")
	}

	_, err = ParseFilter("(~m GET")
	if err == nil {
		t.Fatal("expected compile error for unbalanced parens")
	}
}

func TestParseFilterAlwaysNeverViaEmptyPredicate(t *testing.T) {
	f := flowForFilterTests()
	if !Always().Matches(f) {
		t.Error("Always() should match every flow")
	}
	if Never().Matches(f) {
		t.Error("Never() should match no flow")
	}
	var nilPred *Predicate
	if !nilPred.Matches(f) {
		t.Error("nil predicate should match every flow (unfiltered store listing)")
	}
}
