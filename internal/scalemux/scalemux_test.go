package scalemux

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSendCommand_AppendsNewline(t *testing.T) {
	port := NewTestableScalePort()
	mux := NewScaleMux(port)

	if err := mux.SendCommand("TARE *"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	got := string(port.GetWrittenData())
	if got != "TARE *\n" {
		t.Errorf("written data = %q, want %q", got, "TARE *\n")
	}
}

func TestSendCommand_PreservesExistingNewline(t *testing.T) {
	port := NewTestableScalePort()
	mux := NewScaleMux(port)

	if err := mux.SendCommand("STREAM 1\n"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	if got := string(port.GetWrittenData()); got != "STREAM 1\n" {
		t.Errorf("written data = %q, want %q", got, "STREAM 1\n")
	}
}

func TestInitialize_SendsStartupSequence(t *testing.T) {
	port := NewTestableScalePort()
	mux := NewScaleMux(port)

	if err := mux.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	written := string(port.GetWrittenData())
	for _, want := range []string{"TARE *\n", "MODE D\n", "STREAM 1\n"} {
		if !strings.Contains(written, want) {
			t.Errorf("startup sequence missing %q; wrote %q", want, written)
		}
	}
}

func TestMonitor_FansOutLinesToSubscribers(t *testing.T) {
	port := NewTestableScalePort()
	port.BlockReads = true
	mux := NewScaleMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- mux.Monitor(ctx) }()

	id1, ch1 := mux.Subscribe()
	defer mux.Unsubscribe(id1)
	id2, ch2 := mux.Subscribe()
	defer mux.Unsubscribe(id2)

	port.AddReadData([]byte("scale-3,-0.045,1772359200000\n"))

	want := "scale-3,-0.045,1772359200000"
	for i, ch := range []chan string{ch1, ch2} {
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("subscriber %d got %q, want %q", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d: timed out waiting for line", i)
		}
	}

	cancel()
	select {
	case <-monitorDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not exit after cancel")
	}
}

func TestSubscribe_BuffersLinesUntilReceived(t *testing.T) {
	port := NewTestableScalePort()
	port.BlockReads = true
	mux := NewScaleMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	// Publish while nobody is receiving; the line must wait in the channel
	// buffer instead of being dropped by the non-blocking fan-out.
	port.AddReadData([]byte("scale-1,-0.045,1772359200000\n"))

	deadline := time.After(2 * time.Second)
	for len(ch) == 0 {
		select {
		case <-deadline:
			t.Fatal("line never reached the subscriber buffer")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got, want := <-ch, "scale-1,-0.045,1772359200000"; got != want {
		t.Errorf("buffered line = %q, want %q", got, want)
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	mux := NewScaleMux(NewTestableScalePort())

	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after Unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Unsubscribe")
	}
}

func TestClose_ClosesSubscribersAndPort(t *testing.T) {
	port := NewTestableScalePort()
	mux := NewScaleMux(port)

	_, ch := mux.Subscribe()
	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open after Close")
	}
	if !port.Closed {
		t.Error("port not closed")
	}
}

func TestDisabledScaleMux_LifeCycle(t *testing.T) {
	mux := NewDisabledScaleMux()

	if err := mux.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := mux.SendCommand("TARE *"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	_, ch := mux.Subscribe()
	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open after Close")
	}

	// After Close, Subscribe hands back an already-closed channel.
	_, ch2 := mux.Subscribe()
	if _, ok := <-ch2; ok {
		t.Error("post-Close Subscribe returned an open channel")
	}
}

func TestPortOptions_Normalize(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if opts.BaudRate != 115200 || opts.DataBits != 8 || opts.StopBits != 1 || opts.Parity != "N" {
		t.Errorf("defaults = %+v", opts)
	}

	if _, err := (PortOptions{DataBits: 9}).Normalize(); err == nil {
		t.Error("expected error for 9 data bits")
	}
	if _, err := (PortOptions{Parity: "X"}).Normalize(); err == nil {
		t.Error("expected error for parity X")
	}
}
