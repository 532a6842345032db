package reporter

import (
	"path/filepath"
	"runtime"
	"strconv"
)

// Location is the call site a failure was reported from.
type Location struct {
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

// Here returns the location of its caller.
func Here() Location {
	return caller(2)
}

func caller(skip int) Location {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return Location{}
	}
	return Location{File: file, Line: line}
}

// IsZero reports whether no location was captured.
func (l Location) IsZero() bool {
	return l.File == "" && l.Line == 0
}

// Base returns the file's base name, or "unknown".
func (l Location) Base() string {
	if l.File == "" {
		return "unknown"
	}
	return filepath.Base(l.File)
}

func (l Location) String() string {
	if l.IsZero() {
		return "unknown"
	}
	return l.Base() + ":" + strconv.Itoa(l.Line)
}
