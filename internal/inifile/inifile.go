// Package inifile reads and writes the section files exchanged with
// submitters and job scripts.
package inifile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ntjobs/jobsos/internal/model"
	"gopkg.in/ini.v1"
)

var loadOptions = ini.LoadOptions{
	IgnoreInlineComment:     true,
	PreserveSurroundedQuote: true,
	KeyValueDelimiters:      "=:",
}

// Read parses the file at path. Section names and keys are upper cased,
// section and key order is kept. A section repeated in the file is merged.
func Read(path string) (*model.Batch, error) {
	f, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, err
	}
	return fromFile(f), nil
}

// Parse is Read for in-memory content.
func Parse(data []byte) (*model.Batch, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, err
	}
	return fromFile(f), nil
}

func fromFile(f *ini.File) *model.Batch {
	b := model.NewBatch()
	for _, sec := range f.Sections() {
		keys := sec.Keys()
		if sec.Name() == ini.DefaultSection && len(keys) == 0 {
			continue
		}
		s := b.Ensure(strings.ToUpper(strings.TrimSpace(sec.Name())))
		for _, k := range keys {
			s.Set(strings.ToUpper(strings.TrimSpace(k.Name())), unquote(k.Value()))
		}
	}
	return b
}

// unquote undoes the double quotes Encode puts around values with leading
// or trailing white space. Other quoted values are kept as written.
func unquote(v string) string {
	if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
		return v
	}
	inner := v[1 : len(v)-1]
	if inner == "" || strings.TrimSpace(inner) == inner {
		return v
	}
	return inner
}

// ReadFlat reads the file at path and merges all its sections into one
// table. Later sections win.
func ReadFlat(path string) (model.Config, error) {
	b, err := Read(path)
	if err != nil {
		return nil, err
	}
	cfg := make(model.Config)
	for _, s := range b.Sections() {
		for k, v := range s.All() {
			cfg[k] = v
		}
	}
	return cfg, nil
}

// Encode writes the batch in section file syntax.
func Encode(w io.Writer, b *model.Batch) error {
	f := ini.Empty(loadOptions)
	for _, s := range b.Sections() {
		sec, err := f.NewSection(s.Name)
		if err != nil {
			return fmt.Errorf("section %s: %w", s.Name, err)
		}
		for k, v := range s.All() {
			if _, err := sec.NewKey(k, v); err != nil {
				return fmt.Errorf("section %s key %s: %w", s.Name, k, err)
			}
		}
	}
	_, err := f.WriteTo(w)
	return err
}

// Write stores the batch at path. The content is written to a temporary
// file in the same directory and renamed, so readers never see a partial
// file.
func Write(path string, b *model.Batch) error {
	var buf bytes.Buffer
	if err := Encode(&buf, b); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
