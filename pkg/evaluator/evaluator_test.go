/*
Copyright 2023 The FlakeHub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package evaluator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakehub/flakehub-push-core/pkg/release"
)

// fakeEvaluator writes an executable shell script standing in for the real
// evaluator binary, so these tests can exercise the subprocess plumbing
// without depending on an actual evaluator being installed.
func fakeEvaluator(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake evaluator script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-evaluator")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestEvaluateSuccess(t *testing.T) {
	script := fakeEvaluator(t, `cat <<'EOF'
{"version":1,"inventory":{"packages":{"children":{"default":{"forSystems":["x86_64-linux"],"shortDescription":"a test package","what":"package"}}}}}
EOF`)

	snap := &release.Snapshot{Path: "/tmp/whatever.tar.gz"}
	inv, err := Evaluate(context.Background(), Options{EvaluatorPath: script, ScratchDir: t.TempDir()}, snap)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.Version)
	assert.Contains(t, inv.Inventory, "packages")
}

func TestEvaluateNonZeroExit(t *testing.T) {
	script := fakeEvaluator(t, `echo "boom" 1>&2
exit 1`)

	snap := &release.Snapshot{Path: "/tmp/whatever.tar.gz"}
	_, err := Evaluate(context.Background(), Options{EvaluatorPath: script, ScratchDir: t.TempDir()}, snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestEvaluateInvalidJSON(t *testing.T) {
	script := fakeEvaluator(t, `echo "not json"`)

	snap := &release.Snapshot{Path: "/tmp/whatever.tar.gz"}
	_, err := Evaluate(context.Background(), Options{EvaluatorPath: script, ScratchDir: t.TempDir()}, snap)
	require.Error(t, err)
}

func TestEvaluateTimeout(t *testing.T) {
	script := fakeEvaluator(t, `sleep 5
echo "{}"`)

	snap := &release.Snapshot{Path: "/tmp/whatever.tar.gz"}
	_, err := Evaluate(context.Background(), Options{
		EvaluatorPath: script,
		ScratchDir:    t.TempDir(),
		Timeout:       50 * time.Millisecond,
	}, snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestEvaluateIncludeOutputPathsSubstitution(t *testing.T) {
	scratch := t.TempDir()
	// The stub exits non-zero unless the schema program it is handed ($4)
	// carries the substituted literal.
	script := fakeEvaluator(t, `grep -q 'includeOutputPaths = true;' "$4" || exit 1
echo '{"version":1,"inventory":{}}'`)

	snap := &release.Snapshot{Path: "/tmp/whatever.tar.gz"}
	_, err := Evaluate(context.Background(), Options{
		EvaluatorPath:      script,
		ScratchDir:         scratch,
		IncludeOutputPaths: true,
	}, snap)
	require.NoError(t, err)

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	// The schema program is removed once Evaluate returns, leaving the
	// scratch directory empty.
	assert.Len(t, entries, 0)
}

func TestFilteredEnvAllowList(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("HOME", "/home/tester")
	t.Setenv("NIX_PATH", "nixpkgs=channel:nixos-unstable")
	t.Setenv("SECRET_TOKEN", "should-not-leak")

	env := filteredEnv()
	joined := ""
	for _, kv := range env {
		joined += kv + "\n"
	}
	assert.Contains(t, joined, "PATH=")
	assert.Contains(t, joined, "HOME=")
	assert.Contains(t, joined, "NIX_PATH=")
	assert.NotContains(t, joined, "SECRET_TOKEN")
}

func TestTailBufferKeepsOnlyRecentBytes(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", tb.String())
}
