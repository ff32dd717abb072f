// Package metadata collects user-supplied session metadata from an ordered
// field schema and resolves the stream profile selected by it.
package metadata

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/visionlabs/vedcap/internal/config"
)

// Entry is one collected metadata field. Order is the schema order.
type Entry struct {
	Key   string
	Value string
}

// Metadata is the ordered collection of session metadata.
type Metadata []Entry

// Get returns the value for key and whether it is present.
func (m Metadata) Get(key string) (string, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Set overwrites the value for key, appending the entry if absent.
func (m Metadata) Set(key, value string) Metadata {
	for i, e := range m {
		if e.Key == key {
			m[i].Value = value
			return m
		}
	}
	return append(m, Entry{Key: key, Value: value})
}

// Map returns the metadata as a plain map, losing order.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, len(m))
	for _, e := range m {
		out[e.Key] = e.Value
	}
	return out
}

// Collect solicits a value for each schema field in order, reading answers
// line by line from in and writing prompts to out. An empty answer accepts
// the field's default; EOF on in accepts the defaults for all remaining
// fields. Collect never blocks past the end of in.
func Collect(schema []config.MetadataField, in io.Reader, out io.Writer) (Metadata, error) {
	if len(schema) == 0 {
		return nil, nil
	}

	fmt.Fprintln(out, "Please enter the following metadata (press Enter to accept defaults in brackets):")

	scanner := bufio.NewScanner(in)
	eof := false
	md := make(Metadata, 0, len(schema))

	for _, field := range schema {
		if field.Default != nil {
			fmt.Fprintf(out, "- %s [%s]: ", field.Field, *field.Default)
		} else {
			fmt.Fprintf(out, "- %s: ", field.Field)
		}

		answer := ""
		if !eof {
			if scanner.Scan() {
				answer = strings.TrimSpace(scanner.Text())
			} else {
				if err := scanner.Err(); err != nil {
					return nil, fmt.Errorf("error reading metadata input: %w", err)
				}
				eof = true
				fmt.Fprintln(out)
			}
		}

		if answer == "" && field.Default != nil {
			answer = *field.Default
		}
		md = append(md, Entry{Key: field.Field, Value: answer})
	}
	fmt.Fprintln(out)

	return md, nil
}

// SelectProfile returns the profile name designated by the selector field,
// or "" when no selector is configured or the field is empty. Absence of a
// matching profile is expected and handled by the profile resolver.
func SelectProfile(md Metadata, selector string) string {
	if selector == "" {
		return ""
	}
	value, ok := md.Get(selector)
	if !ok {
		return ""
	}
	return value
}

// Save writes the metadata snapshot to user_info.csv in folder, preserving
// schema order.
func Save(folder string, md Metadata) error {
	f, err := os.Create(filepath.Join(folder, "user_info.csv"))
	if err != nil {
		return fmt.Errorf("failed to create user_info.csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"key", "value"}); err != nil {
		return fmt.Errorf("failed to write user_info.csv: %w", err)
	}
	for _, e := range md {
		if err := w.Write([]string{e.Key, e.Value}); err != nil {
			return fmt.Errorf("failed to write user_info.csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write user_info.csv: %w", err)
	}

	return nil
}
