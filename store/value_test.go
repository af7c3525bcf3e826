package store

import (
	"encoding/json"
	"testing"
)

func TestValueRoundTrip(t *testing.T) {
	v := Map(map[string]Value{
		"name":    String("bot"),
		"count":   Number(3),
		"enabled": Bool(true),
		"tags":    Array(String("a"), String("b")),
	})

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Value
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if !decoded.Equal(v) {
		t.Errorf("round trip changed value: %s", data)
	}

	// kinds survive the trip: a JSON true is a bool, not a string
	fields, _ := decoded.Fields()
	if fields["enabled"].Kind() != KindBool {
		t.Errorf("enabled kind = %v", fields["enabled"].Kind())
	}
	if fields["count"].Kind() != KindNumber {
		t.Errorf("count kind = %v", fields["count"].Kind())
	}
}

func TestValueKindMismatch(t *testing.T) {
	if _, ok := String("x").Num(); ok {
		t.Error("string value returned a number")
	}
	if !String("x").Equal(String("x")) {
		t.Error("equal strings not equal")
	}
	if String("1").Equal(Number(1)) {
		t.Error("string equals number")
	}
}

func TestValueNull(t *testing.T) {
	var v Value
	data, err := json.Marshal(v)
	if err != nil || string(data) != "null" {
		t.Errorf("zero value = %s, err=%v", data, err)
	}
	var decoded Value
	if err := json.Unmarshal([]byte("null"), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Kind() != KindNull {
		t.Errorf("kind = %v", decoded.Kind())
	}
}
