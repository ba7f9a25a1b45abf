// Package token approximates token counts for agent payloads using a
// characters-per-token heuristic. It is not a real tokenizer.
package token

import (
	"bytes"
	"encoding/json"
	"unicode/utf16"
)

const charsPerToken = 4

// EstimateText returns ceil(len(s)/4), where the length is measured in
// UTF-16 code units.
func EstimateText(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for _, r := range s {
		l := utf16.RuneLen(r)
		if l < 0 {
			l = 1
		}
		n += l
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// Estimate sizes an arbitrary payload. Strings are counted directly; maps,
// slices and structs are serialized to compact JSON first. Anything else,
// including nil, counts as zero tokens.
func Estimate(payload any) int {
	switch v := payload.(type) {
	case nil:
		return 0
	case string:
		return EstimateText(v)
	case json.RawMessage:
		return estimateRaw(v)
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return 0
	}

	text, ok := marshal(payload)
	if !ok {
		return 0
	}
	return EstimateText(text)
}

func estimateRaw(raw json.RawMessage) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return 0
	}
	return Estimate(decoded)
}

func marshal(v any) (string, bool) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", false
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	if bytes.Equal(out, []byte("null")) {
		return "", false
	}
	return string(out), true
}
