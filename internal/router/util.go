package router

import "encoding/json"

// mustMarshal marshals v, falling back to a bare JSON object literal on
// the (practically unreachable) marshal error rather than panicking in
// a response-writing path.
func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}
