package cache

import (
	"encoding/json"
	"testing"
)

func TestKeyIgnoresObjectKeyOrder(t *testing.T) {
	a := Key("vantage_query", json.RawMessage(`{"dataset_id":"ds-1","query":"EVALUATE T"}`))
	b := Key("vantage_query", json.RawMessage(`{"query":"EVALUATE T","dataset_id":"ds-1"}`))
	if a != b {
		t.Fatalf("key order changed the cache key: %s vs %s", a, b)
	}
}

func TestKeyNestedObjectsCanonicalized(t *testing.T) {
	a := Key("t", json.RawMessage(`{"f":{"x":1,"y":[{"b":2,"a":1}]}}`))
	b := Key("t", json.RawMessage(`{"f":{"y":[{"a":1,"b":2}],"x":1}}`))
	if a != b {
		t.Fatalf("nested key order changed the cache key")
	}
}

func TestKeyDistinguishesToolAndArguments(t *testing.T) {
	base := Key("tool_a", json.RawMessage(`{"x":1}`))
	if Key("tool_b", json.RawMessage(`{"x":1}`)) == base {
		t.Fatal("different tools share a key")
	}
	if Key("tool_a", json.RawMessage(`{"x":2}`)) == base {
		t.Fatal("different arguments share a key")
	}
	if Key("tool_a", nil) == base {
		t.Fatal("empty arguments share a key with non-empty")
	}
}

func TestKeyArrayOrderSignificant(t *testing.T) {
	a := Key("t", json.RawMessage(`{"ids":[1,2]}`))
	b := Key("t", json.RawMessage(`{"ids":[2,1]}`))
	if a == b {
		t.Fatal("array order must be significant")
	}
}
