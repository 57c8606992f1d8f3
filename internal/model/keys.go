package model

import "strings"

// File names used inside watched directories and inbox slots.
const (
	SubmissionFile = "jobs.ini"
	ResultFile     = "jobs.end"
	AbandonedFile  = "jobs.abandoned"
	ParamFile      = "ntjobsapp.ini"
	MarkerFile     = "ntjobsapp.end"
)

const ConfigSection = "CONFIG"

// Environment of external job scripts.
const (
	EnvParams = "JOBSOS_PARAMS"
	EnvMarker = "JOBSOS_MARKER"
	EnvBatch  = "JOBSOS_BATCH"
	EnvJob    = "JOBSOS_JOB"
)

// Job and CONFIG fields.
const (
	KeyAction     = "ACTION"
	KeyCommand    = "COMMAND"
	KeyActionRoot = "ACTION.ROOT"
	KeyActScript  = "ACT.SCRIPT"
	KeyActPath    = "ACT.PATH"

	KeyTSStart     = "TS.START"
	KeyTSEnd       = "TS.END"
	KeyReturnType  = "RETURN.TYPE"
	KeyReturnValue = "RETURN.VALUE"

	KeyUser     = "USER"
	KeyOwner    = "OWNER"
	KeyPassword = "PASSWORD"
	KeyExit     = "EXIT"

	PrefixFile       = "FILE."
	PrefixReturnFile = "RETURN.FILE."
)

const (
	ReturnSuccess = "S"
	ReturnError   = "E"
)

// InternalPrefix marks actions handled by the orchestrator itself.
const InternalPrefix = "SYS."

// IsReserved reports whether key is written by the orchestrator and must
// not come from a submission.
func IsReserved(key string) bool {
	switch key {
	case KeyTSStart, KeyTSEnd, KeyReturnType, KeyReturnValue:
		return true
	}
	return strings.HasPrefix(key, PrefixReturnFile)
}

// IsCredential reports whether key holds a secret that is stripped from
// every file the orchestrator writes.
func IsCredential(key string) bool {
	return key == KeyPassword || strings.HasSuffix(key, "."+KeyPassword)
}
