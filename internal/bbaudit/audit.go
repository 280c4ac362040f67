// Package bbaudit records server lifecycle events and every method call made
// against the blackboard service. Records are appended to a CSV file and
// echoed to the application log.
package bbaudit

import (
	"encoding/csv"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/blackboard/internal/util/stringutil"
)

const (
	EventClientConnect    = "Client-Connect"
	EventClientDisconnect = "Client-Disconnect"
	EventMethodCall       = "Method-Call"
	EventServerStart      = "Server-Start"
	EventServerStop       = "Server-Stop"
)

// Header is written as the first row of a new or empty audit log.
var Header = []string{"Timestamp", "Event", "IP", "Port", "Method", "Arguments", "Return"}

// Record is a single audit log row. Only method calls carry a method,
// arguments, and a result. Lifecycle events leave those blank.
type Record struct {
	Timestamp time.Time
	Event     string
	IP        string
	Port      string
	Method    string
	Arguments string
	Result    string
}

func (r *Record) row() []string {
	return []string{
		r.Timestamp.Format(time.RFC3339Nano),
		r.Event,
		r.IP,
		r.Port,
		r.Method,
		r.Arguments,
		r.Result,
	}
}

type Auditor interface {
	Record(rec *Record)
}

// CSVAuditor appends records to a CSV file. Failures to write are logged and
// otherwise ignored so that auditing can never take the service down.
type CSVAuditor struct {
	logger *logrus.Logger
	mut    sync.Mutex
	name   string
	path   string
}

func NewCSVAuditor(logger *logrus.Logger, path string) *CSVAuditor {
	return &CSVAuditor{
		logger: logger,
		name:   reflect.TypeOf(CSVAuditor{}).Name(),
		path:   path,
	}
}

func (a *CSVAuditor) Record(rec *Record) {
	a.mut.Lock()
	defer a.mut.Unlock()

	if err := a.write(rec); err != nil {
		a.logger.Errorf(a.name+": Could not write audit log: %v", err)
	}

	a.logger.WithFields(logrus.Fields{
		"audit_event":  rec.Event,
		"audit_ip":     rec.IP,
		"audit_port":   rec.Port,
		"audit_method": rec.Method,
		"audit_args":   stringutil.SampleLong(rec.Arguments),
		"audit_result": stringutil.SampleLong(rec.Result),
	}).Infof("audit %s %s", rec.Event, rec.Method)
}

func (a *CSVAuditor) write(rec *Record) error {
	file, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return xerrors.Errorf("error opening %q: %w", a.path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return xerrors.Errorf("error statting %q: %w", a.path, err)
	}

	writer := csv.NewWriter(file)

	if info.Size() == 0 {
		if err := writer.Write(Header); err != nil {
			return xerrors.Errorf("error writing header: %w", err)
		}
	}

	if err := writer.Write(rec.row()); err != nil {
		return xerrors.Errorf("error writing record: %w", err)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return xerrors.Errorf("error flushing record: %w", err)
	}

	return nil
}

// FormatTuple renders values as a parenthesized, comma-separated tuple for
// the arguments and result columns. Strings are quoted so that a payload
// containing commas can't be confused with multiple values.
func FormatTuple(values ...any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatValue(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	case []string:
		quoted := make([]string, len(v))
		for i, s := range v {
			quoted[i] = strconv.Quote(s)
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
