//go:build !nojsonsimd

// Package jsonx wraps the JSON codec used across hashlab. The default build
// uses sonic; build with -tags nojsonsimd to fall back to encoding/json.
package jsonx

import "github.com/bytedance/sonic"

var fastJSON = sonic.ConfigDefault

func Marshal(v interface{}) ([]byte, error) {
	return fastJSON.Marshal(v)
}

func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return fastJSON.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v interface{}) error {
	return fastJSON.Unmarshal(data, v)
}
