//go:build nojsonsimd

// Package jsonx wraps the JSON codec used across hashlab. The default build
// uses sonic; build with -tags nojsonsimd to fall back to encoding/json.
package jsonx

import stdjson "encoding/json"

func Marshal(v interface{}) ([]byte, error) {
	return stdjson.Marshal(v)
}

func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return stdjson.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v interface{}) error {
	return stdjson.Unmarshal(data, v)
}
