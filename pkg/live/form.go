package live

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
)

// Form is a decoded url-encoded form submission.
type Form struct {
	url.Values
}

func decodeForm(payload json.RawMessage) (Form, error) {
	var wrapper struct {
		Form string `json:"form"`
	}
	if len(payload) == 0 {
		return Form{}, errors.New("missing form payload")
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return Form{}, err
	}
	values, err := url.ParseQuery(wrapper.Form)
	if err != nil {
		return Form{}, err
	}
	return Form{Values: values}, nil
}

// Int parses the named field as a base-10 integer.
func (f Form) Int(name string) (int, error) {
	return strconv.Atoi(f.Get(name))
}

// Bool reports whether the named field carries a truthy value.
// Checkboxes submit "on" when checked and nothing when not.
func (f Form) Bool(name string) bool {
	switch f.Get(name) {
	case "on", "true", "1":
		return true
	}
	return false
}
