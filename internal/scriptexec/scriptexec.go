// Package scriptexec materializes the build script inside the restored
// working directory and runs it, forwarding the raw output stream to the
// log relay chunk by chunk.
package scriptexec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ferry-ci/ferry/internal/logrelay"
	"github.com/ferry-ci/ferry/internal/run"
)

// ScriptFilename is the name the script is written under inside the
// run's directory element.
const ScriptFilename = "build.sh"

const readChunkSize = 8 << 10

// Submitter is the relay surface this package depends on: asynchronous
// submission returning an awaitable handle, nothing more.
type Submitter interface {
	Log(text string) *logrelay.Pending
}

// WriteScript materializes d.Script at workDir/d.DirectoryID/build.sh
// and returns the script path.
func WriteScript(workDir string, d run.Details) (string, error) {
	dir := filepath.Join(workDir, d.DirectoryID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create script dir: %w", err)
	}
	path := filepath.Join(dir, ScriptFilename)
	if err := os.WriteFile(path, []byte(d.Script), 0o755); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	return path, nil
}

// Command builds the shell invocation for the script: /bin/sh running
// scriptPath with the working directory at workDir and the parent
// environment overlaid with d.Env.
func Command(workDir, scriptPath string, d run.Details) *exec.Cmd {
	cmd := exec.Command("/bin/sh", scriptPath)
	cmd.Dir = workDir
	cmd.Env = mergeEnv(os.Environ(), d.Env)
	return cmd
}

func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overlay[key]; ok {
			continue
		}
		merged = append(merged, kv)
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+overlay[k])
	}
	return merged
}

// Process is a started script with its merged output stream.
type Process struct {
	cmd *exec.Cmd
	out *os.File
}

// Start launches cmd with stdout and stderr merged into a single pipe.
// The parent drops the write end after the spawn, so the stream reaches
// EOF once the script and anything inheriting its descriptors exit.
func Start(cmd *exec.Cmd) (*Process, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("spawn %s: %w", cmd.Path, err)
	}
	w.Close()
	return &Process{cmd: cmd, out: r}, nil
}

// Stream reads the merged output until EOF, submitting every chunk as it
// arrives and collecting the handles in read order. Submission is
// asynchronous: the loop never waits on delivery, so a fast producer
// grows the relay's queue instead of stalling the read. Consume Stream
// before Wait, or a chatty script can block on a full pipe.
func (p *Process) Stream(s Submitter) []*logrelay.Pending {
	return streamChunks(p.out, s)
}

func streamChunks(r io.Reader, s Submitter) []*logrelay.Pending {
	var handles []*logrelay.Pending
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			handles = append(handles, s.Log(string(buf[:n])))
		}
		if err != nil {
			return handles
		}
	}
}

// Wait blocks until the script exits and returns its exit code. A
// nonzero code is data for the caller to interpret, not an error; only
// plumbing failures are errors.
func (p *Process) Wait() (int, error) {
	defer p.out.Close()
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait for %s: %w", p.cmd.Path, err)
}
