package detach

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ferry-ci/ferry/internal/run"
	"github.com/ferry-ci/ferry/internal/transfer"
)

type fakeUploader struct {
	up   transfer.Upload
	err  error
	dirs []string
}

func (f *fakeUploader) Upload(ctx context.Context, dir string) (transfer.Upload, error) {
	f.dirs = append(f.dirs, dir)
	if f.err != nil {
		return transfer.Upload{}, f.err
	}
	return f.up, nil
}

type fakeInvoker struct {
	payloads [][]byte
	err      error
}

func (f *fakeInvoker) Invoke(ctx context.Context, payload []byte) error {
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return f.err
}

type fakeRecorder struct {
	details []run.Details
	uploads []transfer.Upload
	err     error
}

func (f *fakeRecorder) RecordDetached(ctx context.Context, d run.Details, up transfer.Upload) (string, error) {
	f.details = append(f.details, d)
	f.uploads = append(f.uploads, up)
	if f.err != nil {
		return "", f.err
	}
	return "rec-1", nil
}

func testDetails() run.Details {
	return run.Details{
		Username:    "agent",
		Password:    "secret",
		BuildID:     "b-42",
		ServerURL:   "https://ci.example.com",
		Script:      "echo hello\n",
		DirectoryID: "checkout",
	}
}

func testUpload() transfer.Upload {
	now := time.Now().UTC()
	return transfer.Upload{
		URL:         "https://blobs.example/snap.tar.gz?sig=abc",
		Key:         "snap.tar.gz",
		GeneratedAt: now,
		ExpiresAt:   now.Add(time.Hour),
	}
}

func TestDetachEncodesPayloadWithWorkdirURL(t *testing.T) {
	uploader := &fakeUploader{up: testUpload()}
	invoker := &fakeInvoker{}
	dt, err := New(uploader, invoker, nil, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	if err := dt.Detach(context.Background(), "/tmp/work", testDetails()); err != nil {
		t.Fatalf("Detach() err=%v", err)
	}
	if len(uploader.dirs) != 1 || uploader.dirs[0] != "/tmp/work" {
		t.Fatalf("uploaded dirs=%v", uploader.dirs)
	}
	if len(invoker.payloads) != 1 {
		t.Fatalf("payloads=%d, want 1", len(invoker.payloads))
	}

	d, err := run.DecodePayload(bytes.NewReader(invoker.payloads[0]))
	if err != nil {
		t.Fatalf("DecodePayload() err=%v", err)
	}
	if d.WorkdirURL != uploader.up.URL {
		t.Fatalf("WorkdirURL=%q, want %q", d.WorkdirURL, uploader.up.URL)
	}
	if d.BuildID != "b-42" || d.Script != "echo hello\n" {
		t.Fatalf("decoded details=%+v", d)
	}
}

func TestDetachRecordsRun(t *testing.T) {
	uploader := &fakeUploader{up: testUpload()}
	invoker := &fakeInvoker{}
	recorder := &fakeRecorder{}
	dt, err := New(uploader, invoker, recorder, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	if err := dt.Detach(context.Background(), t.TempDir(), testDetails()); err != nil {
		t.Fatalf("Detach() err=%v", err)
	}
	if len(recorder.details) != 1 {
		t.Fatalf("records=%d, want 1", len(recorder.details))
	}
	if recorder.details[0].WorkdirURL != uploader.up.URL {
		t.Fatalf("recorded WorkdirURL=%q", recorder.details[0].WorkdirURL)
	}
	if recorder.uploads[0].Key != uploader.up.Key {
		t.Fatalf("recorded Key=%q", recorder.uploads[0].Key)
	}
}

func TestDetachRecorderFailureDoesNotBlockRun(t *testing.T) {
	uploader := &fakeUploader{up: testUpload()}
	invoker := &fakeInvoker{}
	recorder := &fakeRecorder{err: errors.New("ledger down")}
	dt, err := New(uploader, invoker, recorder, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	if err := dt.Detach(context.Background(), t.TempDir(), testDetails()); err != nil {
		t.Fatalf("Detach() err=%v", err)
	}
	if len(invoker.payloads) != 1 {
		t.Fatalf("payloads=%d, want 1", len(invoker.payloads))
	}
}

func TestDetachUploadFailure(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("bucket unavailable")}
	invoker := &fakeInvoker{}
	dt, err := New(uploader, invoker, nil, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	err = dt.Detach(context.Background(), t.TempDir(), testDetails())
	if err == nil {
		t.Fatalf("expected upload error")
	}
	if !strings.Contains(err.Error(), "upload workdir") {
		t.Fatalf("err=%v", err)
	}
	if len(invoker.payloads) != 0 {
		t.Fatalf("invoker called despite upload failure")
	}
}

func TestDetachInvokerFailure(t *testing.T) {
	uploader := &fakeUploader{up: testUpload()}
	invoker := &fakeInvoker{err: errors.New("submit failed")}
	dt, err := New(uploader, invoker, nil, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	if err := dt.Detach(context.Background(), t.TempDir(), testDetails()); err == nil {
		t.Fatalf("expected invoke error")
	}
}

func TestDetachRejectsInvalidDetails(t *testing.T) {
	uploader := &fakeUploader{up: testUpload()}
	dt, err := New(uploader, &fakeInvoker{}, nil, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	d := testDetails()
	d.BuildID = ""
	if err := dt.Detach(context.Background(), t.TempDir(), d); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(uploader.dirs) != 0 {
		t.Fatalf("upload attempted for invalid details")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, &fakeInvoker{}, nil, nil); err == nil {
		t.Fatalf("expected uploader error")
	}
	if _, err := New(&fakeUploader{}, nil, nil, nil); err == nil {
		t.Fatalf("expected invoker error")
	}
}

func TestCommandInvokerPipesPayload(t *testing.T) {
	ci, err := NewCommandInvoker("cat", nil)
	if err != nil {
		t.Fatalf("NewCommandInvoker() err=%v", err)
	}
	var out bytes.Buffer
	ci.Stdout = &out

	payload := []byte(`{"build_id":"b-42"}`)
	if err := ci.Invoke(context.Background(), payload); err != nil {
		t.Fatalf("Invoke() err=%v", err)
	}
	if out.String() != string(payload) {
		t.Fatalf("stdout=%q, want %q", out.String(), payload)
	}
}

func TestCommandInvokerFailure(t *testing.T) {
	ci, err := NewCommandInvoker("/bin/sh", []string{"-c", "exit 3"})
	if err != nil {
		t.Fatalf("NewCommandInvoker() err=%v", err)
	}
	ci.Stdout = &bytes.Buffer{}
	ci.Stderr = &bytes.Buffer{}

	if err := ci.Invoke(context.Background(), nil); err == nil {
		t.Fatalf("expected exit error")
	}
}

func TestNewCommandInvokerValidation(t *testing.T) {
	if _, err := NewCommandInvoker("  ", nil); err == nil {
		t.Fatalf("expected empty command error")
	}
	if _, err := NewCommandInvoker("ferry-definitely-missing-cmd", nil); err == nil {
		t.Fatalf("expected lookup error")
	}
}
