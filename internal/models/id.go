package models

import (
	"encoding/json"
	"fmt"
)

// ID identifies a stored row. Hosted tables may use bigint or uuid keys, so
// it decodes from either a JSON number or a JSON string and is kept as text.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or a number, got %s", data)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }
