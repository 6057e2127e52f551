package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// readToken prompts for the access token without echo.
func readToken(w io.Writer) (string, error) {
	fmt.Fprint(w, "Access token: ")
	b, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// parseEntity splits "kind/id".
func parseEntity(s string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok || kind == "" || id == "" || strings.Contains(id, "/") {
		return "", "", fmt.Errorf("entity must be kind/id, got %q", s)
	}
	return kind, id, nil
}

// parseAssignments turns name=value pairs into a patch. Values that parse
// as JSON keep their JSON type; anything else is a string.
func parseAssignments(args []string) (map[string]any, error) {
	patch := make(map[string]any, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", arg)
		}
		if _, dup := patch[name]; dup {
			return nil, fmt.Errorf("field %q given twice", name)
		}
		patch[name] = parseValue(raw)
	}
	return patch, nil
}

func parseValue(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return fromJSON(v)
}

// fromJSON replaces json.Number with int64 or float64.
func fromJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = fromJSON(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = fromJSON(t[k])
		}
		return t
	default:
		return v
	}
}
