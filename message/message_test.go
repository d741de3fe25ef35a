package message

import (
	"encoding/json"
	"testing"
)

// Providers written against the JSON serializer rely on these field names.
func TestRequestJSONFieldNames(t *testing.T) {
	req := &Request{
		Service:  "Greeter",
		Method:   "sayHello",
		ArgTypes: []string{"string"},
		Args:     []any{"world"},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	want := `{"service":"Greeter","method":"sayHello","argTypes":["string"],"args":["world"]}`
	if string(data) != want {
		t.Fatalf("expect %s, got %s", want, data)
	}
}

func TestResponseOmitsEmptyError(t *testing.T) {
	data, err := json.Marshal(&Response{Result: "hello world"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"result":"hello world"}` {
		t.Fatalf("unexpected encoding %s", data)
	}
}
