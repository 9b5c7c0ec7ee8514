package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/calvinalkan/slotdb/pkg/slotstore"
)

var (
	errNotObject     = errors.New("record must be a JSON object")
	errInvalidFilter = errors.New("filter must be field=value")
)

// parseDoc decodes one JSON object.
func parseDoc(s string) (slotstore.Doc, error) {
	var doc slotstore.Doc

	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", errNotObject, err)
	}

	if doc == nil {
		return nil, errNotObject
	}

	return doc, nil
}

// parseFilter turns field=value arguments into a filter. A value that is
// valid JSON is decoded (numbers, booleans, objects); anything else is a
// string.
func parseFilter(args []string) (slotstore.Fields, error) {
	filter := slotstore.Fields{}

	for _, arg := range args {
		field, raw, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("%w: %q", errInvalidFilter, arg)
		}

		filter[field] = parseValue(raw)
	}

	return filter, nil
}

func parseValue(raw string) any {
	var v any

	if err := json.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}

	// Integers stay exact for id lookups.
	if _, ok := v.(float64); ok {
		if _, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return json.Number(raw)
		}
	}

	return v
}

// readDocs reads one JSON object per non-blank line.
func readDocs(r io.Reader) ([]slotstore.Doc, error) {
	if r == nil {
		return nil, nil
	}

	var docs []slotstore.Doc

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), int(slotstore.DefaultMaxSlotSize))

	line := 0

	for scanner.Scan() {
		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		doc, err := parseDoc(text)
		if err != nil {
			return nil, fmt.Errorf("stdin line %d: %w", line, err)
		}

		docs = append(docs, doc)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}

	return docs, nil
}
