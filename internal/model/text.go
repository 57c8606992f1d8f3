package model

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// TimestampLayout is the YYYYMMDD:HHMMSS format of TS.START and TS.END.
const TimestampLayout = "20060102:150405"

func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ParseBool accepts the usual spellings of a flag in configuration files.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes", "on":
		return true, nil
	case "0", "f", "false", "n", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// IsEmail reports whether s is a single bare address.
func IsEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Name == "" && addr.Address == s
}
