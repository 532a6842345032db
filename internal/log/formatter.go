package log

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// sourceKey carries the slog record's call site through logrus fields.
const sourceKey = "_source"

type formatter struct {
	pattern string
	time    string
}

// Format supports %time, %level, %field, %msg, %caller, %func, %goroutine and %n.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	output = strings.Replace(output, "%time", entry.Time.Format(f.time), 1)
	output = strings.Replace(output, "%level", entry.Level.String(), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	output = strings.Replace(output, "%caller", getCaller(entry), 1)
	output = strings.Replace(output, "%func", getFunc(entry), 1)
	output = strings.Replace(output, "%goroutine", getGoroutineID(), 1)
	output = strings.ReplaceAll(output, "%n", "\n")
	return []byte(output), nil
}

func sourceFrame(entry *logrus.Entry) (runtime.Frame, bool) {
	frame, ok := entry.Data[sourceKey].(runtime.Frame)
	return frame, ok && frame.File != ""
}

// getCaller renders package/file.go:line.
func getCaller(entry *logrus.Entry) string {
	frame, ok := sourceFrame(entry)
	if !ok {
		return "unknown"
	}
	file := frame.File
	if slashIdx := strings.LastIndex(file, "/"); slashIdx != -1 && slashIdx+1 < len(file) {
		file = file[slashIdx+1:]
	}
	// Function is "import/path/pkg.Func"; the import path itself may contain dots.
	pkg := "unknown"
	if fn := frame.Function; fn != "" {
		if slashIdx := strings.LastIndex(fn, "/"); slashIdx != -1 {
			fn = fn[slashIdx+1:]
		}
		if dotIdx := strings.Index(fn, "."); dotIdx > 0 {
			pkg = fn[:dotIdx]
		}
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, frame.Line)
}

// getFunc keeps only the part after the last dot.
func getFunc(entry *logrus.Entry) string {
	frame, ok := sourceFrame(entry)
	if !ok || frame.Function == "" {
		return "unknown"
	}
	funcName := frame.Function
	if dotIdx := strings.LastIndex(funcName, "."); dotIdx != -1 && dotIdx+1 < len(funcName) {
		return funcName[dotIdx+1:]
	}
	return funcName
}

func getGoroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	stack := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	idField := strings.Fields(stack)
	if len(idField) > 0 {
		return idField[0]
	}
	return "unknown"
}

func buildFields(entry *logrus.Entry) string {
	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		if key == sourceKey {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, key := range keys {
		val := entry.Data[key]
		stringVal, ok := val.(string)
		if !ok {
			stringVal = fmt.Sprint(val)
		}
		fields = append(fields, key+"="+stringVal)
	}
	return strings.Join(fields, ",")
}
