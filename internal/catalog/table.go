package catalog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

// column of a catalog table. Optional columns may be missing at the end of
// the header.
type column struct {
	name     string
	required bool
	optional bool
}

type record map[string]string

// readTable reads a table with the given header. The delimiter is ';' when
// the header line contains one, ',' otherwise.
func readTable(path string, columns []column) ([]record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseTable(f, columns)
}

func parseTable(r io.Reader, columns []column) ([]record, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(br.Size())
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}
	line, _, _ := strings.Cut(string(first), "\n")

	cr := csv.NewReader(br)
	cr.Comma = ','
	if strings.Contains(line, ";") {
		cr.Comma = ';'
	}
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("missing header")
	}
	if err != nil {
		return nil, err
	}
	if err := checkHeader(header, columns); err != nil {
		return nil, err
	}
	cr.FieldsPerRecord = len(header)

	var out []record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rec := make(record, len(columns))
		for i, name := range header {
			rec[strings.ToUpper(strings.TrimSpace(name))] = strings.TrimSpace(row[i])
		}
		for _, c := range columns {
			if c.required && rec[c.name] == "" {
				line, _ := cr.FieldPos(0)
				return nil, fmt.Errorf("line %d: %s is required", line, c.name)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func checkHeader(header []string, columns []column) error {
	got := make([]string, len(header))
	for i, h := range header {
		got[i] = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	want := make([]string, 0, len(columns))
	need := 0
	for i, c := range columns {
		want = append(want, c.name)
		if !c.optional {
			need = i + 1
		}
	}
	if len(got) < need || len(got) > len(want) || !slices.Equal(got, want[:len(got)]) {
		return fmt.Errorf("header mismatch: got %s, want %s", strings.Join(got, ";"), strings.Join(want, ";"))
	}
	copy(header, got)
	return nil
}
