package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	format = "2006-01-02 15:04:05"
)

// Options controls how New builds a logger
type Options struct {
	Level   string
	Colored bool
	Out     io.Writer
}

// New creates a logrus logger writing coloured, human readable lines
func New(opts Options) (*log.Logger, error) {
	lvl := log.InfoLevel
	if opts.Level != "" {
		var err error
		lvl, err = log.ParseLevel(opts.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", opts.Level)
		}
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	l := log.New()
	l.Out = out
	l.Formatter = &Formatter{Colored: opts.Colored}
	l.SetLevel(lvl)

	return l, nil
}

// Discard returns a logger that drops everything, handy for tests
func Discard() *log.Logger {
	l := log.New()
	l.Out = io.Discard
	return l
}

// Formatter prints "<time> <LEVEL> <msg> k=v..." with the level coloured
type Formatter struct {
	Colored bool
}

func (f *Formatter) Format(e *log.Entry) ([]byte, error) {
	b := &bytes.Buffer{}

	b.WriteString(e.Time.Format(format))
	b.WriteByte(' ')
	b.WriteString(f.level(e.Level))
	b.WriteByte(' ')
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, e.Data[k])
	}

	b.WriteByte('\n')

	return b.Bytes(), nil
}

func (f *Formatter) level(l log.Level) string {
	name := strings.ToUpper(l.String())
	if name == "WARNING" {
		name = "WARN"
	}

	if !f.Colored {
		return name
	}

	var c *color.Color
	switch l {
	case log.TraceLevel:
		c = color.New(color.FgCyan)
	case log.DebugLevel:
		c = color.New(color.FgGreen)
	case log.InfoLevel:
		c = color.New(color.FgWhite)
	case log.WarnLevel:
		c = color.New(color.FgBlue)
	default:
		c = color.New(color.FgRed)
	}

	// Force colouring, the writer may not be a tty
	c.EnableColor()

	return c.Sprint(name)
}
