package securelog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sealedledger/assure/internal/keystore"
	"github.com/sealedledger/assure/internal/scheduler"
)

// writeSampleLog opens a fresh writer, writes n data rows, forces one
// signature row via the manual scheduler, and closes cleanly. It returns the
// key store so the caller's Verify call uses exactly the keys the writer
// used.
func writeSampleLog(t *testing.T, dir string, n int) (path string, store *keystore.Store) {
	t.Helper()
	store = newTestKeyStore(t, dir, []byte("some-initial-secret-bytes-here!!"))
	path = filepath.Join(dir, "access.csv")
	manual := scheduler.NewManual()
	w, err := Open(path, Options{Schema: accessSchema(), Keys: store, Scheduler: manual, SignatureInterval: time.Hour})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.WriteHeader(); err != nil {
		t.Fatalf("header: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := w.Write(map[string]any{"_id": "id", "timestamp": "t", "transactionId": "tx"}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	manual.FireAll()
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path, store
}

// TestScenarioS4WriteThenVerifyRoundTrip: a cleanly closed log with data rows
// plus at least one signature row verifies as accepted.
func TestScenarioS4WriteThenVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path, store := writeSampleLog(t, dir, 3)

	report, err := Verify(path, store)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK {
		t.Fatalf("expected OK verification, got %+v", report)
	}
	if report.RowsSigned == 0 {
		t.Fatalf("expected at least one signature row, got %+v", report)
	}
}

// TestScenarioS5TamperedMACFailsVerification: flipping one byte inside a
// data row's MAC cell must be detected.
func TestScenarioS5TamperedMACFailsVerification(t *testing.T) {
	dir := t.TempDir()
	path, store := writeSampleLog(t, dir, 3)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := splitLines(string(raw))
	// lines[0] is the header; lines[1] is the first data row. Flip a
	// character inside its MAC cell, which is quoted base64 and thus has
	// plenty of characters to perturb without corrupting row structure.
	tampered := flipCharacterInsideLastQuotedNonEmptyField(lines[1])
	lines[1] = tampered
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write tampered file: %v", err)
	}

	report, err := Verify(path, store)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK {
		t.Fatalf("expected tampering to be detected, got %+v", report)
	}
}

// TestScenarioS6TruncationIsDetected: dropping the final signature row must
// make the log reject, even though every remaining row still verifies,
// because acceptance requires the last row to be a signature row.
func TestScenarioS6TruncationIsDetected(t *testing.T) {
	dir := t.TempDir()
	path, store := writeSampleLog(t, dir, 3)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := splitLines(string(raw))
	truncated := lines[:len(lines)-1]
	if err := os.WriteFile(path, []byte(strings.Join(truncated, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write truncated file: %v", err)
	}

	report, err := Verify(path, store)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK {
		t.Fatalf("expected truncation to be detected, got %+v", report)
	}
}

// flipCharacterInsideLastQuotedNonEmptyField mutates one character inside
// the last quoted field in line that is non-empty, simulating a single-byte
// corruption of the MAC cell while preserving the CSV row's quoting shape.
func flipCharacterInsideLastQuotedNonEmptyField(line string) string {
	fields := strings.Split(line, `","`)
	for i := len(fields) - 1; i >= 0; i-- {
		f := strings.Trim(fields[i], `"`)
		if f == "" {
			continue
		}
		runes := []rune(f)
		mutated := rune('X')
		if runes[0] == 'X' {
			mutated = 'Y'
		}
		runes[0] = mutated
		fields[i] = strings.Replace(fields[i], f, string(runes), 1)
		return strings.Join(fields, `","`)
	}
	return line
}
