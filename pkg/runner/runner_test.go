package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func scriptFixture(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.sh")
	assert.NilError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRunSuccess(t *testing.T) {
	script := scriptFixture(t, `echo "$@"
exit 0
`)
	r := New(script)
	res := r.Run(context.Background(), "setup", []string{"--token", "123"}, time.Second)
	assert.Equal(t, res.ExitStatus, 0)
	assert.Assert(t, strings.Contains(res.Stdout, "--function setup --token 123"))
	assert.Equal(t, res.TimedOut, false)
}

func TestRunNonZeroExit(t *testing.T) {
	script := scriptFixture(t, `echo "boom" 1>&2
exit 7
`)
	r := New(script)
	res := r.Run(context.Background(), "teardown", nil, time.Second)
	assert.Equal(t, res.ExitStatus, 7)
	assert.Assert(t, strings.Contains(res.Stderr, "boom"))
}

func TestRunTeardownTokenNotFound(t *testing.T) {
	script := scriptFixture(t, `echo "token not found" 1>&2
exit 1
`)
	r := New(script)
	res := r.Run(context.Background(), "teardown", []string{"--token", "999"}, time.Second)
	assert.Equal(t, res.ExitStatus, 1)
	assert.Assert(t, strings.Contains(strings.ToLower(res.Stderr), "token not found"))
}

func TestRunTimeout(t *testing.T) {
	script := scriptFixture(t, `sleep 5
`)
	r := New(script)
	res := r.Run(context.Background(), "data_in", nil, 50*time.Millisecond)
	assert.Assert(t, res.TimedOut)
	assert.Assert(t, res.ExitStatus != 0)
}

func TestRunMissingExecutable(t *testing.T) {
	r := New("/nonexistent/dw_wlm_cli")
	res := r.Run(context.Background(), "setup", nil, time.Second)
	assert.Assert(t, res.ExitStatus != 0)
}
