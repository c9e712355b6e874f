// Package extract locates the JSON payload that setup scripts print after
// their progress logs.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// MalformedOutputError reports a command that exited cleanly but did not
// print the JSON its caller expected.
type MalformedOutputError struct {
	Reason string
	Output string
	Err    error
}

func (e *MalformedOutputError) Error() string {
	msg := "malformed command output: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg + " (output tail: " + tail(e.Output, 200) + ")"
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return strconv.Quote(s)
	}
	return strconv.Quote("..." + s[len(s)-n:])
}

// ExtractTrailingJSON returns the last JSON object in text. Candidates are
// tried from the last '{' backward; the first one that parses as a complete
// document (surrounding whitespace allowed) wins. found is false when text
// contains no '{' or no candidate parses.
func ExtractTrailingJSON(text string) (gjson.Result, bool) {
	end := len(text)
	for end > 0 {
		i := strings.LastIndexByte(text[:end], '{')
		if i < 0 {
			break
		}
		candidate := strings.TrimSpace(text[i:])
		if gjson.Valid(candidate) {
			return gjson.Parse(candidate), true
		}
		end = i
	}
	return gjson.Result{}, false
}

// Decode extracts the trailing JSON object from text and unmarshals it into v.
func Decode(text string, v any) error {
	res, ok := ExtractTrailingJSON(text)
	if !ok {
		return &MalformedOutputError{Reason: "no JSON object found", Output: text}
	}
	if err := json.Unmarshal([]byte(res.Raw), v); err != nil {
		return &MalformedOutputError{Reason: "JSON does not match expected shape", Output: text, Err: err}
	}
	return nil
}

// Require is ExtractTrailingJSON for callers that cannot proceed without a result.
func Require(text string) (gjson.Result, error) {
	res, ok := ExtractTrailingJSON(text)
	if !ok {
		return gjson.Result{}, &MalformedOutputError{Reason: "no JSON object found", Output: text}
	}
	return res, nil
}

// StringMap returns res as a flat string map. ok is false unless res is an
// object whose every value is a JSON string.
func StringMap(res gjson.Result) (map[string]string, bool) {
	if !res.IsObject() {
		return nil, false
	}
	out := map[string]string{}
	ok := true
	res.ForEach(func(k, v gjson.Result) bool {
		if v.Type != gjson.String {
			ok = false
			return false
		}
		out[k.String()] = v.String()
		return true
	})
	if !ok {
		return nil, false
	}
	return out, true
}

// Fields evaluates gjson paths against res. With strict set, a missing path
// is an error; otherwise it is skipped.
func Fields(res gjson.Result, paths map[string]string, strict bool) (map[string]string, error) {
	out := map[string]string{}
	for key, path := range paths {
		p := strings.TrimSpace(path)
		if p == "" {
			continue
		}
		v := res.Get(p)
		if !v.Exists() {
			if strict {
				return out, fmt.Errorf("missing field %q at path %q", key, p)
			}
			continue
		}
		out[key] = ValueString(v.Value())
	}
	return out, nil
}

// ParseStatusTrailer splits endpoint script output: every line but the last
// is the JSON body, the last line is the HTTP status code. An empty body is
// returned as "{}".
func ParseStatusTrailer(text string) (int, []byte, error) {
	lines := strings.Split(strings.TrimRight(text, "\r\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[len(lines)-1]) == "" {
		return 0, nil, &MalformedOutputError{Reason: "missing status line", Output: text}
	}
	status, err := strconv.Atoi(strings.TrimSpace(lines[len(lines)-1]))
	if err != nil {
		return 0, nil, &MalformedOutputError{Reason: "status line is not a number", Output: text, Err: err}
	}
	var body bytes.Buffer
	for _, l := range lines[:len(lines)-1] {
		body.WriteString(strings.TrimRight(l, "\r"))
	}
	if strings.TrimSpace(body.String()) == "" {
		return status, []byte("{}"), nil
	}
	if !gjson.ValidBytes(body.Bytes()) {
		return status, nil, &MalformedOutputError{Reason: "response body is not JSON", Output: text}
	}
	return status, body.Bytes(), nil
}

// ValueString renders a decoded JSON value as a plain string.
func ValueString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case float64:
		// Avoid scientific notation for integers
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
