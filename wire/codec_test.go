package wire

import (
	"encoding/json"
	"testing"
)

func TestCodecs_RequestRoundTrip(t *testing.T) {
	t.Parallel()

	req := &Request{
		ID:              "qry_01",
		QueryName:       "inventory.count",
		Payload:         json.RawMessage(`{"warehouse":"north"}`),
		Metadata:        map[string]string{"tenant": "acme"},
		ResponseType:    ResponseTypeDescriptor{Cardinality: "instance", PayloadType: "int"},
		NumberOfResults: DirectResults,
		TimeoutMs:       5000,
		Priority:        3,
	}

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Marshal(req)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			var got Request
			if err := codec.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if got.ID != req.ID || got.QueryName != req.QueryName || got.Priority != req.Priority {
				t.Fatalf("round trip mismatch: %+v", got)
			}
			if got.ResponseType.Cardinality != "instance" {
				t.Fatalf("response type lost: %+v", got.ResponseType)
			}
			if got.Metadata["tenant"] != "acme" {
				t.Fatalf("metadata lost: %+v", got.Metadata)
			}
		})
	}
}

func TestForName(t *testing.T) {
	t.Parallel()

	if c, err := ForName("msgpack"); err != nil || c.Name() != "msgpack" {
		t.Fatalf("expected msgpack codec, got %v / %v", c, err)
	}
	if c, err := ForName(""); err != nil || c.Name() != "json" {
		t.Fatalf("expected json default, got %v / %v", c, err)
	}
	if _, err := ForName("xml"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}
