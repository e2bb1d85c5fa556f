// Package printer renders human-facing CLI output. Status lines go to Out and
// formatted errors to Err; log lines are the logging package's concern.
package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
)

// Destinations for status and error output. Tests may swap them.
var (
	Out io.Writer = os.Stdout
	Err io.Writer = os.Stderr
)

func init() {
	// Keep colors when piped; NO_COLOR disables them
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints msg in green behind a checkmark.
func Success(format string, a ...any) {
	green.Fprint(Out, prefixed("✓ ", fmt.Sprintf(format, a...)))
}

// Info prints an uncolored message.
func Info(format string, a ...any) {
	fmt.Fprintf(Out, format, a...)
}

// Warning prints msg in yellow behind a warning sign.
func Warning(format string, a ...any) {
	yellow.Fprint(Out, prefixed("⚠️  ", fmt.Sprintf(format, a...)))
}

// Step announces one phase of a longer operation.
func Step(format string, a ...any) {
	cyan.Fprint(Out, "→ "+fmt.Sprintf(format, a...))
}

func prefixed(prefix, msg string) string {
	if strings.HasPrefix(msg, strings.TrimSpace(prefix)) {
		return msg
	}
	return prefix + msg
}

// Error prints title, explanation and suggestions to Err and returns an error
// carrying only the title, for a cobra command with SilenceErrors.
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details printed under the
// explanation, sorted by key.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(Err, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(Err, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintln(Err)
		for _, k := range keys {
			fmt.Fprintf(Err, "  %s: %s\n", k, context[k])
		}
	}

	writeSuggestions(Err, suggestions)
	return fmt.Errorf("%s", title)
}

func writeSuggestions(w io.Writer, suggestions []string) {
	switch len(suggestions) {
	case 0:
		return
	case 1:
		fmt.Fprintf(w, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(w, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(w, "  %d. %s\n", i+1, s)
		}
	}
}

// Println prints a plain line.
func Println(a ...any) {
	fmt.Fprintln(Out, a...)
}

// Printf prints a plain formatted message.
func Printf(format string, a ...any) {
	fmt.Fprintf(Out, format, a...)
}
