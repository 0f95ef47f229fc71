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

// Package evaluator spawns the external flake evaluator against a source
// snapshot and collects its structured inventory output.
package evaluator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flakehub/flakehub-push-core/pkg/release"
	"github.com/flakehub/flakehub-push-core/pkg/rerror"
)

// DefaultTimeout is the evaluator's wall-clock budget.
const DefaultTimeout = 5 * time.Minute

// killGrace is how long a SIGTERMed evaluator gets before SIGKILL.
const killGrace = 10 * time.Second

// maxCapturedStdout bounds the in-memory stdout buffer.
const maxCapturedStdout = 32 * 1024 * 1024

// maxStderrTail is how much trailing stderr is attached to an
// EvaluationFailed error.
const maxStderrTail = 4 * 1024

// schemaProgramTemplate is the parameterized evaluator program. The
// parameterization is a literal string substitution on two tokens; the
// result is written to a scratch file and handed to the evaluator binary
// as its entry point.
const schemaProgramTemplate = `{
  description = "flakehub-push-core output schema probe";
  inputs.flake.url = "FLAKE_INPUT_URL";
  outputs = { self, flake, ... }:
    let
      includeOutputPaths = INCLUDE_OUTPUT_PATHS;
      inherit (builtins) mapAttrs attrNames;
    in {
      schema = flake // { inherit includeOutputPaths; };
    };
}
`

// allowedEnvPrefixes is the minimal environment allow-list for the child
// process.
var allowedEnvPrefixes = []string{"PATH=", "HOME=", "NIX_"}

// Options configures a single Evaluate call.
type Options struct {
	// EvaluatorPath is the path to (or name on PATH of) the external
	// evaluator binary.
	EvaluatorPath string
	// Timeout overrides DefaultTimeout when non-zero.
	Timeout time.Duration
	// IncludeOutputPaths asks the evaluator to resolve store paths.
	IncludeOutputPaths bool
	// ScratchDir holds the generated schema program file.
	ScratchDir string
}

// Evaluate spawns the evaluator against snapshot and returns its parsed
// inventory. stdout and stderr are drained on two dedicated readers so
// neither pipe can back-pressure the child into a deadlock.
func Evaluate(ctx context.Context, opts Options, snapshot *release.Snapshot) (*release.Inventory, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	programPath, err := writeSchemaProgram(opts, snapshot)
	if err != nil {
		return nil, rerror.Wrap(err, rerror.EvaluationFailed, "writing schema program")
	}
	defer os.Remove(programPath)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(opts.EvaluatorPath, "eval", "--json", "--file", programPath, "schema")
	cmd.Env = filteredEnv()
	cmd.Dir = ""

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, rerror.Wrap(err, rerror.EvaluationFailed, "opening evaluator stdout pipe")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, rerror.Wrap(err, rerror.EvaluationFailed, "opening evaluator stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, rerror.Wrap(err, rerror.EvaluationFailed, "starting evaluator process")
	}

	var stdout cappedBuffer
	stderrTail := newTailBuffer(maxStderrTail)

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		_, copyErr := stdout.ReadFrom(stdoutPipe)
		return copyErr
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			logrus.Debugf("evaluator: %s", line)
			stderrTail.Write([]byte(line + "\n"))
		}
		return scanner.Err()
	})

	terminated := make(chan struct{})
	go watchdog(runCtx, cmd, terminated)

	drainErr := g.Wait()
	waitErr := cmd.Wait()
	close(terminated)

	if runCtx.Err() != nil {
		return nil, rerror.Newf(rerror.EvaluationFailed, "evaluator timed out after %s; stderr tail:\n%s", timeout, stderrTail.String())
	}

	if waitErr != nil {
		return nil, rerror.Newf(rerror.EvaluationFailed, "evaluator exited with error %v; stderr tail:\n%s", waitErr, stderrTail.String())
	}
	if drainErr != nil {
		return nil, rerror.Wrapf(drainErr, rerror.EvaluationFailed, "draining evaluator output; stderr tail:\n%s", stderrTail.String())
	}

	var inv release.Inventory
	if err := json.Unmarshal(stdout.Bytes(), &inv); err != nil {
		return nil, rerror.Wrapf(err, rerror.EvaluationFailed, "parsing evaluator JSON output; stderr tail:\n%s", stderrTail.String())
	}

	inv.NormalizeLegacyPackages()
	return &inv, nil
}

func writeSchemaProgram(opts Options, snapshot *release.Snapshot) (string, error) {
	program := schemaProgramTemplate
	program = strings.ReplaceAll(program, "FLAKE_INPUT_URL", fmt.Sprintf("file://%s", snapshot.Path))
	program = strings.ReplaceAll(program, "INCLUDE_OUTPUT_PATHS", boolLiteral(opts.IncludeOutputPaths))

	name := filepath.Join(opts.ScratchDir, fmt.Sprintf("schema-%s.nix", uuid.New().String()))
	if err := os.WriteFile(name, []byte(program), 0o600); err != nil {
		return "", err
	}
	return name, nil
}

func boolLiteral(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func filteredEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		for _, prefix := range allowedEnvPrefixes {
			if strings.HasPrefix(kv, prefix) {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}

// watchdog SIGTERMs the child on ctx cancellation, then SIGKILLs it after
// killGrace if it has not exited.
func watchdog(ctx context.Context, cmd *exec.Cmd, done chan struct{}) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-time.After(killGrace):
		_ = cmd.Process.Kill()
	case <-done:
	}
}

// cappedBuffer accumulates up to maxCapturedStdout bytes and silently
// discards the rest.
type cappedBuffer struct {
	buf bytes.Buffer
}

func (c *cappedBuffer) ReadFrom(r io.Reader) (int64, error) {
	limited := &limitedWriter{limit: maxCapturedStdout, buf: &c.buf}
	return io.Copy(limited, r)
}

func (c *cappedBuffer) Bytes() []byte { return c.buf.Bytes() }

type limitedWriter struct {
	limit int
	buf   *bytes.Buffer
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // discard, but report success so io.Copy doesn't fail
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

// tailBuffer keeps only the last n bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
