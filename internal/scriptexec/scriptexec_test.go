package scriptexec

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ferry-ci/ferry/internal/logrelay"
	"github.com/ferry-ci/ferry/internal/run"
	"github.com/ferry-ci/ferry/internal/servicemsg"
)

// countingSubmitter records submitted chunks. The nil handles are fine:
// callers only collect them.
type countingSubmitter struct {
	texts []string
}

func (c *countingSubmitter) Log(text string) *logrelay.Pending {
	c.texts = append(c.texts, text)
	return nil
}

// stagedReader replays a fixed sequence of reads.
type stagedReader struct {
	reads []stagedRead
}

type stagedRead struct {
	data string
	err  error
}

func (s *stagedReader) Read(p []byte) (int, error) {
	if len(s.reads) == 0 {
		return 0, io.EOF
	}
	next := s.reads[0]
	s.reads = s.reads[1:]
	n := copy(p, next.data)
	return n, next.err
}

func TestStreamSubmitsOneHandlePerChunk(t *testing.T) {
	r := &stagedReader{reads: []stagedRead{
		{data: "A"},
		{data: "B"},
	}}
	sub := &countingSubmitter{}
	handles := streamChunks(r, sub)

	if len(handles) != 2 {
		t.Fatalf("handles = %d, want 2", len(handles))
	}
	if !slices.Equal(sub.texts, []string{"A", "B"}) {
		t.Fatalf("texts = %v", sub.texts)
	}
}

func TestStreamHandlesDataWithEOF(t *testing.T) {
	r := &stagedReader{reads: []stagedRead{
		{data: "A"},
		{data: "B", err: io.EOF},
	}}
	sub := &countingSubmitter{}
	handles := streamChunks(r, sub)

	if len(handles) != 2 {
		t.Fatalf("handles = %d, want 2", len(handles))
	}
	if !slices.Equal(sub.texts, []string{"A", "B"}) {
		t.Fatalf("texts = %v", sub.texts)
	}
}

func TestStreamEmptyStream(t *testing.T) {
	sub := &countingSubmitter{}
	if handles := streamChunks(&stagedReader{}, sub); len(handles) != 0 {
		t.Fatalf("handles = %d, want 0", len(handles))
	}
}

func TestWriteScript(t *testing.T) {
	workDir := t.TempDir()
	d := run.Details{DirectoryID: "checkout", Script: "#!/bin/sh\necho hi\n"}

	path, err := WriteScript(workDir, d)
	if err != nil {
		t.Fatalf("WriteScript() err=%v", err)
	}
	if want := filepath.Join(workDir, "checkout", ScriptFilename); path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	if string(data) != d.Script {
		t.Fatalf("script = %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat script: %v", err)
	}
	if info.Mode()&0o111 == 0 {
		t.Fatalf("script not executable: %v", info.Mode())
	}
}

func TestCommandShape(t *testing.T) {
	workDir := t.TempDir()
	d := run.Details{
		DirectoryID: "checkout",
		Env:         map[string]string{"FERRY_TEST_CUSTOM": "v1", "PATH": "/overridden"},
	}
	script := filepath.Join(workDir, "checkout", ScriptFilename)

	cmd := Command(workDir, script, d)
	if cmd.Dir != workDir {
		t.Fatalf("Dir = %q, want %q", cmd.Dir, workDir)
	}
	if len(cmd.Args) != 2 || cmd.Args[0] != "/bin/sh" || cmd.Args[1] != script {
		t.Fatalf("Args = %v", cmd.Args)
	}

	var custom, path int
	for _, kv := range cmd.Env {
		switch {
		case kv == "FERRY_TEST_CUSTOM=v1":
			custom++
		case strings.HasPrefix(kv, "PATH="):
			path++
			if kv != "PATH=/overridden" {
				t.Fatalf("PATH = %q, want override", kv)
			}
		}
	}
	if custom != 1 {
		t.Fatalf("custom var occurrences = %d, want 1", custom)
	}
	if path != 1 {
		t.Fatalf("PATH occurrences = %d, want exactly 1", path)
	}
}

func TestMergeEnvKeepsBaseWithoutOverlay(t *testing.T) {
	base := []string{"A=1", "B=2"}
	if got := mergeEnv(base, nil); !slices.Equal(got, base) {
		t.Fatalf("mergeEnv() = %v", got)
	}
}

type testPoster struct {
	mu    sync.Mutex
	lines []string
}

func (p *testPoster) PostLog(ctx context.Context, line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	return nil
}

func (p *testPoster) PostFinish(ctx context.Context) error { return nil }

func TestRunScriptEndToEnd(t *testing.T) {
	workDir := t.TempDir()
	d := run.Details{
		DirectoryID: "checkout",
		Script:      "#!/bin/sh\nprintf A\nprintf B\nexit 0\n",
	}
	script, err := WriteScript(workDir, d)
	if err != nil {
		t.Fatalf("WriteScript() err=%v", err)
	}

	poster := &testPoster{}
	relay, err := logrelay.New(poster, time.Hour, nil)
	if err != nil {
		t.Fatalf("logrelay.New() err=%v", err)
	}
	relay.Start(context.Background())

	p, err := Start(Command(workDir, script, d))
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	handles := p.Stream(relay)
	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait() err=%v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if len(handles) == 0 {
		t.Fatal("no output chunks submitted")
	}
	if err := relay.FinishBuild(context.Background()); err != nil {
		t.Fatalf("FinishBuild() err=%v", err)
	}

	var out strings.Builder
	for _, line := range poster.lines {
		msg, err := servicemsg.Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q) err=%v", line, err)
		}
		if text, ok := msg.Attr(servicemsg.AttrText); ok {
			out.WriteString(text)
		}
	}
	if out.String() != "AB" {
		t.Fatalf("script output = %q, want %q", out.String(), "AB")
	}
}

func TestScriptExitCode(t *testing.T) {
	workDir := t.TempDir()
	d := run.Details{DirectoryID: "checkout", Script: "#!/bin/sh\nexit 7\n"}
	script, err := WriteScript(workDir, d)
	if err != nil {
		t.Fatalf("WriteScript() err=%v", err)
	}

	p, err := Start(Command(workDir, script, d))
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	p.Stream(&countingSubmitter{})
	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait() err=%v", err)
	}
	if code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}
}

func TestScriptRunsInWorkDir(t *testing.T) {
	workDir := t.TempDir()
	d := run.Details{DirectoryID: "checkout", Script: "#!/bin/sh\npwd\n"}
	script, err := WriteScript(workDir, d)
	if err != nil {
		t.Fatalf("WriteScript() err=%v", err)
	}

	p, err := Start(Command(workDir, script, d))
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	sub := &countingSubmitter{}
	p.Stream(sub)
	if _, err := p.Wait(); err != nil {
		t.Fatalf("Wait() err=%v", err)
	}

	got := strings.TrimSpace(strings.Join(sub.texts, ""))
	resolved, err := filepath.EvalSymlinks(workDir)
	if err != nil {
		t.Fatalf("EvalSymlinks() err=%v", err)
	}
	if got != workDir && got != resolved {
		t.Fatalf("pwd = %q, want %q", got, workDir)
	}
}

func TestStartSpawnFailure(t *testing.T) {
	cmd := Command(t.TempDir(), "/definitely/missing"+ScriptFilename, run.Details{})
	cmd.Path = "/definitely/missing/shell"
	if _, err := Start(cmd); err == nil {
		t.Fatal("Start() expected spawn error")
	}
}
