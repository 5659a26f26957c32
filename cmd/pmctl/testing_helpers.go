package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// newTestHeap creates a small heap file in a temp dir and returns its path.
func newTestHeap(t *testing.T, index bool) string {
	t.Helper()
	resetFlags()
	path := filepath.Join(t.TempDir(), "test.pool")
	createSize = 8 << 20
	createLanes = 8
	createIndex = index
	if _, err := captureOutput(t, func() error { return runCreate(context.Background(), []string{path}) }); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return path
}

func resetFlags() {
	quiet = false
	verbose = false
	jsonOut = false
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.String()
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	return <-done, fnErr
}

// decodeJSON unmarshals command output into v
func decodeJSON(t *testing.T, output string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(output), v); err != nil {
		t.Fatalf("output is not valid JSON: %v\nOutput: %s", err, output)
	}
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, exp := range expected {
		if !strings.Contains(output, exp) {
			t.Errorf("output missing %q\nGot: %s", exp, output)
		}
	}
}
