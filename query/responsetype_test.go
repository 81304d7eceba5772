package query

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

func TestResponseType_Matches_Cardinality(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		requested  ResponseType
		advertised ResponseType
		want       bool
	}{
		{"instance accepts instance", InstanceOf[string](), InstanceOf[string](), true},
		{"instance accepts collection", InstanceOf[string](), CollectionOf[string](), true},
		{"collection accepts instance", CollectionOf[string](), InstanceOf[string](), true},
		{"instance rejects stream", InstanceOf[string](), StreamOf[string](), false},
		{"collection rejects stream", CollectionOf[string](), StreamOf[string](), false},
		{"stream accepts stream", StreamOf[string](), StreamOf[string](), true},
		{"stream accepts instance", StreamOf[string](), InstanceOf[string](), true},
		{"stream accepts collection", StreamOf[string](), CollectionOf[string](), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.requested.Matches(tc.advertised); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResponseType_Matches_PayloadType(t *testing.T) {
	t.Parallel()

	if InstanceOf[string]().Matches(InstanceOf[int]()) {
		t.Fatal("string request should not match int handler")
	}
	if !InstanceOf[any]().Matches(InstanceOf[int]()) {
		t.Fatal("any request should match int handler")
	}
	if !AnyOf(Instance).Matches(InstanceOf[int]()) {
		t.Fatal("unconstrained request should match any handler")
	}
	if !InstanceOf[string]().Matches(AnyOf(Instance)) {
		t.Fatal("unconstrained handler should match any request")
	}
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

func TestResponseType_Convert_InstanceFromCollection(t *testing.T) {
	t.Parallel()

	got, err := InstanceOf[string]().Convert([]string{"first", "second"})
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if got != "first" {
		t.Fatalf("expected first element, got %v", got)
	}
}

func TestResponseType_Convert_InstanceFromEmptyCollection(t *testing.T) {
	t.Parallel()

	got, err := InstanceOf[string]().Convert([]string{})
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil payload for empty collection, got %v", got)
	}
}

func TestResponseType_Convert_CollectionFromSingle(t *testing.T) {
	t.Parallel()

	got, err := CollectionOf[string]().Convert("only")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	list, ok := got.([]string)
	if !ok || len(list) != 1 || list[0] != "only" {
		t.Fatalf("expected one-element slice, got %#v", got)
	}
}

func TestResponseType_Convert_TypeMismatch(t *testing.T) {
	t.Parallel()

	if _, err := InstanceOf[int]().Convert("text"); err == nil {
		t.Fatal("expected conversion error for mismatched payload type")
	}
}

func TestResponseType_String(t *testing.T) {
	t.Parallel()

	if got := InstanceOf[string]().String(); got != "instance[string]" {
		t.Fatalf("unexpected String: %q", got)
	}
	if got := AnyOf(Stream).String(); got != "stream[any]" {
		t.Fatalf("unexpected String: %q", got)
	}
}
