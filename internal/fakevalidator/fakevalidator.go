// Package fakevalidator writes shell scripts that stand in for the external
// validator in tests. Scripts are run through /bin/sh with the default
// argument template, so $2 is the input file and $4 the output file.
package fakevalidator

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Shell is the interpreter scripts are run with.
const Shell = "/bin/sh"

// Bodies for common validator behaviours.
const (
	// AllUsable reports every candidate as usable with 12ms latency.
	AllUsable = `while IFS= read -r line; do
  printf '{"proxy":"%s","usable":true,"latency_ms":12}\n' "$line" >> "$4"
done < "$2"
`
	// NoneUsable reports every candidate as unusable.
	NoneUsable = `while IFS= read -r line; do
  printf '{"proxy":"%s","usable":false,"error":"connect refused"}\n' "$line" >> "$4"
done < "$2"
`
	// FirstOnly reports only the first candidate and exits cleanly.
	FirstOnly = `IFS= read -r line < "$2"
printf '{"proxy":"%s","usable":true,"latency_ms":7}\n' "$line" >> "$4"
`
	// FirstThenHang flushes the first verdict and never finishes.
	FirstThenHang = FirstOnly + "sleep 30\n"
	// Hang never writes anything.
	Hang = "sleep 30\n"
	// Crash exits nonzero without output.
	Crash = "echo 'validator blew up' >&2\nexit 3\n"
)

// Write stores a script with the given body and returns its path.
func Write(t testing.TB, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "validator.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o644); err != nil {
		t.Fatalf("write fake validator: %v", err)
	}
	return path
}

// Args returns the argument template that runs script through Shell.
func Args(script string) []string {
	return []string{script, "--input", "{input}", "--output", "{output}"}
}

// HangOnceWhen hangs on the first run whose input contains pattern and
// behaves like AllUsable otherwise.
func HangOnceWhen(t testing.TB, pattern string) string {
	t.Helper()
	marker := filepath.Join(t.TempDir(), "hung-once")
	return fmt.Sprintf(`if grep -qF %q "$2" && [ ! -e %q ]; then
  : > %q
  sleep 30
fi
`, pattern, marker, marker) + AllUsable
}

// RecordPIDThenHang writes its pid to pidFile and hangs.
func RecordPIDThenHang(pidFile string) string {
	return fmt.Sprintf("echo $$ > %q\nsleep 30\n", pidFile)
}
