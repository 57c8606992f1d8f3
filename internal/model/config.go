package model

import (
	"maps"
	"strconv"
	"strings"
	"time"
)

// Config keys of the base configuration table.
const (
	CfgType        = "TYPE"
	CfgPathRoot    = "PATHROOT"
	CfgInbox       = "INBOX"
	CfgArchive     = "ARCHIVE"
	CfgLog         = "LOG"
	CfgTimeout     = "TIMEOUT"
	CfgTimeoutMin  = "TIMEOUT.MIN"
	CfgWaitPoll    = "WAIT.POLL"
	CfgWaitCycle   = "WAIT.CYCLE"
	CfgWaitGrace   = "WAIT.GRACE"
	CfgExit        = "EXIT"
	CfgAdminEmail  = "ADMIN.EMAIL"
	CfgMailEngine  = "MAIL.ENGINE"
	CfgMailPath    = "MAIL.PATH"
	CfgMailFormat  = "MAIL.FORMAT"
	CfgSMTPServer  = "SMTP.SERVER"
	CfgSMTPPort    = "SMTP.PORT"
	CfgSMTPUser    = "SMTP.USER"
	CfgSMTPPass    = "SMTP.PASSWORD"
	CfgSMTPFrom    = "SMTP.FROM"
	CfgSMTPSSL     = "SMTP.SSL"
	CfgSMTPTLS     = "SMTP.TLS"
	CfgHistoryDB   = "HISTORY.DB"
	CfgBilling     = "BILLING"
	CfgStatusAddr  = "STATUS.ADDR"
	ConfigTypeName = "NTJOBS.CONFIG.1"
)

const (
	MailEngineSMTP = "SMTP"
	MailEngineOLK  = "OLK"
	MailEngineNone = "NONE"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

// Config is a flat configuration table. Keys are upper case.
type Config map[string]string

func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	return maps.Clone(c)
}

// String returns the trimmed value of key.
func (c Config) String(key string) string {
	return strings.TrimSpace(c[key])
}

// Int returns the value of key as an int, def when unset or malformed.
func (c Config) Int(key string, def int) int {
	v := c.String(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Bool returns the value of key as a bool, def when unset or malformed.
func (c Config) Bool(key string, def bool) bool {
	b, err := ParseBool(c.String(key))
	if err != nil {
		return def
	}
	return b
}

// Duration reads key as a count of unit. Negative and malformed values
// yield def.
func (c Config) Duration(key string, unit, def time.Duration) time.Duration {
	n := c.Int(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * unit
}
