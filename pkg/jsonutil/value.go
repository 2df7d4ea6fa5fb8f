package jsonutil

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"

	"github.com/Laisky/errors/v2"
)

// Render converts a JSON value to the flat text used for URL segments and query
// parameters. Strings are returned as-is, json.Number keeps its literal text,
// everything else is encoded as compact JSON with object keys sorted.
func Render(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case nil:
		return "null", nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	}
	return Marshal(v)
}

// Marshal encodes v as compact JSON with sorted object keys and no HTML escaping.
func Marshal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", errors.Wrap(err, "render json value")
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// Decode parses a JSON document keeping numbers as json.Number.
// Trailing data after the first value is rejected.
func Decode(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after top-level json value")
	}
	return v, nil
}

// DecodeBytes is Decode over an in-memory document.
func DecodeBytes(b []byte) (any, error) {
	return Decode(bytes.NewReader(b))
}
