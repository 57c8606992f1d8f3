// Package render formats a batch for mail bodies and the command line.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ntjobs/jobsos/internal/inifile"
	"github.com/ntjobs/jobsos/internal/model"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatINI  Format = "ini"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatINI, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatINI, nil
	}
	return "", fmt.Errorf("unsupported format %q", s)
}

// Render writes b to w. Section and key order is preserved in every format.
func Render(w io.Writer, b *model.Batch, f Format) error {
	switch f {
	case FormatINI, "":
		return inifile.Encode(w, b)
	case FormatJSON:
		return renderJSON(w, b)
	case FormatYAML:
		return renderYAML(w, b)
	}
	return fmt.Errorf("unsupported format %q", f)
}

// String is Render into a string.
func String(b *model.Batch, f Format) (string, error) {
	var buf bytes.Buffer
	if err := Render(&buf, b, f); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderJSON(w io.Writer, b *model.Batch) error {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, s := range b.Sections() {
		if i > 0 {
			buf.WriteString(",")
		}
		if err := writeJSONKey(&buf, s.Name); err != nil {
			return err
		}
		buf.WriteString("{")
		n := 0
		for k, v := range s.All() {
			if n > 0 {
				buf.WriteString(",")
			}
			n++
			if err := writeJSONKey(&buf, k); err != nil {
				return err
			}
			val, err := json.Marshal(v)
			if err != nil {
				return err
			}
			buf.Write(val)
		}
		buf.WriteString("}")
	}
	buf.WriteString("}")

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}

func writeJSONKey(buf *bytes.Buffer, key string) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteString(":")
	return nil
}

func renderYAML(w io.Writer, b *model.Batch) error {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, s := range b.Sections() {
		section := &yaml.Node{Kind: yaml.MappingNode}
		for k, v := range s.All() {
			section.Content = append(section.Content, scalar(k), scalar(v))
		}
		doc.Content = append(doc.Content, scalar(s.Name), section)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func scalar(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}
