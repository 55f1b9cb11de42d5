// Package console implements the operator command line that edits the spoof
// table while the relay is running.
//
// Every command runs to completion synchronously; a malformed line is
// reported on the error writer and leaves the table untouched.
package console

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/1ureka/fdmproxy/internal/spoof"
)

// Prompt is printed after every processed line.
const Prompt = "> "

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("the format of command is wrong")
	ErrBadNumber      = errors.New("not a finite decimal number")
)

// usage lines, indexed by command name.
var usage = map[string]string{
	"set":     "set <variable> <value>",
	"random":  "random <variable> <range>",
	"clear":   "clear <variable>|all",
	"showVar": "showVar",
	"status":  "status",
	"help":    "help",
}

const helpText = `commands:
    set <variable> <value>      override a variable with a fixed value
    random <variable> <range>   override a variable with uniform noise in [-range, range]
    clear <variable>|all        stop overriding a variable (or every variable)
    showVar                     list variable names
    status                      list active overrides
    help                        show this message
`

type flusher interface {
	Flush() error
}

// Console parses operator lines into spoof table mutations.
type Console struct {
	table  *spoof.Table
	out    io.Writer
	errOut io.Writer
}

// New creates a console editing table. Command output goes to out and error
// reports to errOut.
func New(table *spoof.Table, out, errOut io.Writer) *Console {
	return &Console{table: table, out: out, errOut: errOut}
}

// Prompt prints the prompt marker and flushes out when it is buffered.
func (c *Console) Prompt() {
	fmt.Fprint(c.out, Prompt)
	if f, ok := c.out.(flusher); ok {
		_ = f.Flush()
	}
}

// Exec runs one command line. The returned error has already been reported
// to the operator; callers only need it to decide whether to continue.
func (c *Console) Exec(line string) error {
	line = strings.TrimRight(line, "\r\n")
	args := strings.FieldsFunc(line, func(r rune) bool { return r == ' ' })
	if len(args) == 0 {
		return nil
	}

	err := c.dispatch(args[0], args[1:])
	if err != nil {
		c.report(args[0], err)
	}
	return err
}

func (c *Console) dispatch(cmd string, args []string) error {
	switch cmd {
	case "set":
		name, value, err := nameAndNumber(args)
		if err != nil {
			return err
		}
		return c.table.Set(name, value)

	case "random":
		name, r, err := nameAndNumber(args)
		if err != nil {
			return err
		}
		return c.table.Randomize(name, r)

	case "clear":
		if len(args) != 1 {
			return ErrUsage
		}
		if args[0] == "all" {
			c.table.ClearAll()
			return nil
		}
		return c.table.Clear(args[0])

	case "showVar":
		if len(args) != 0 {
			return ErrUsage
		}
		fmt.Fprintln(c.out, strings.Join(c.table.List(), ", "))
		return nil

	case "status":
		if len(args) != 0 {
			return ErrUsage
		}
		c.printStatus()
		return nil

	case "help":
		fmt.Fprint(c.out, helpText)
		return nil

	default:
		return ErrUnknownCommand
	}
}

func (c *Console) printStatus() {
	active := c.table.Active()
	if len(active) == 0 {
		fmt.Fprintln(c.out, "no active overrides")
		return
	}
	for _, f := range active {
		fmt.Fprintf(c.out, "%-12s %-7s %s\n", f.Name, f.Mode, strconv.FormatFloat(f.Param, 'g', -1, 64))
	}
}

// report writes a user-visible error, followed by the usage line when the
// command itself was recognized but malformed.
func (c *Console) report(cmd string, err error) {
	var ufe *spoof.UnknownFieldError
	switch {
	case errors.As(err, &ufe):
		fmt.Fprintf(c.errOut, "[ERROR] no variable %s\n", ufe.Name)
	case errors.Is(err, ErrUnknownCommand):
		fmt.Fprintf(c.errOut, "[ERROR] unknown command %q, type help for a list\n", cmd)
	default:
		fmt.Fprintf(c.errOut, "[ERROR] %v\n", err)
		if u, ok := usage[cmd]; ok {
			fmt.Fprintf(c.errOut, "    %s\n", u)
		}
	}
}

// nameAndNumber validates "<variable> <number>" arguments.
func nameAndNumber(args []string) (string, float64, error) {
	if len(args) != 2 {
		return "", 0, ErrUsage
	}
	v, err := parseNumber(args[1])
	if err != nil {
		return "", 0, err
	}
	return args[0], v, nil
}

// parseNumber accepts a finite decimal number with no trailing garbage.
func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrBadNumber, s)
	}
	return v, nil
}
