package testutil

import (
	"errors"
	"net/http"
	"runtime"
	"testing"
)

// recordingTB captures helper outcomes so the failure paths can be
// exercised without failing the real test. Fatal and Fatalf stop the
// calling goroutine the way the real implementations do, so helpers must
// run through exercise.
type recordingTB struct {
	testing.TB
	failed bool
	fatal  bool
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(format string, args ...any) {
	r.failed = true
}

func (r *recordingTB) Fatal(args ...any) {
	r.failed = true
	r.fatal = true
	runtime.Goexit()
}

func (r *recordingTB) Fatalf(format string, args ...any) {
	r.failed = true
	r.fatal = true
	runtime.Goexit()
}

func (r *recordingTB) Failed() bool { return r.failed }

// exercise runs fn on its own goroutine so a Fatal inside it only stops
// that goroutine.
func exercise(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done
}

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	rec := &recordingTB{}
	AssertStatusCode(rec, http.StatusOK, http.StatusOK)
	if rec.Failed() {
		t.Error("matching status codes must not fail")
	}
}

func TestAssertStatusCode_Mismatch(t *testing.T) {
	t.Parallel()

	rec := &recordingTB{}
	exercise(func() { AssertStatusCode(rec, http.StatusOK, http.StatusBadRequest) })
	if !rec.Failed() {
		t.Error("mismatched status codes must fail")
	}
}

func TestAssertNoError(t *testing.T) {
	t.Parallel()

	rec := &recordingTB{}
	AssertNoError(rec, nil)
	if rec.Failed() {
		t.Error("nil error must not fail")
	}
}

func TestAssertNoError_WithError(t *testing.T) {
	t.Parallel()

	rec := &recordingTB{}
	exercise(func() { AssertNoError(rec, errors.New("boom")) })
	if !rec.fatal {
		t.Error("non-nil error must fail fatally")
	}
}

func TestAssertError(t *testing.T) {
	t.Parallel()

	rec := &recordingTB{}
	AssertError(rec, errors.New("test error"))
	if rec.Failed() {
		t.Error("non-nil error must not fail")
	}
}

func TestAssertError_NilError(t *testing.T) {
	t.Parallel()

	rec := &recordingTB{}
	exercise(func() { AssertError(rec, nil) })
	if !rec.fatal {
		t.Error("nil error must fail fatally")
	}
}

func TestNewTestRequest(t *testing.T) {
	t.Parallel()

	req := NewTestRequest("GET", "/test")
	if req.Method != "GET" {
		t.Errorf("method = %s, want GET", req.Method)
	}
	if req.URL.Path != "/test" {
		t.Errorf("path = %s, want /test", req.URL.Path)
	}
}

func TestNewTestRecorder(t *testing.T) {
	t.Parallel()

	rec := NewTestRecorder()
	if rec == nil {
		t.Fatal("recorder is nil")
	}
}
