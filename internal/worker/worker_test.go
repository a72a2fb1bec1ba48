package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/andresmejia3/camwatch/internal/utils"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// writeFrame appends a length-prefixed frame, as the Python side would.
func writeFrame(dst *MockCloser, payload []byte) {
	binary.Write(dst, binary.BigEndian, uint32(len(payload)))
	dst.Write(payload)
}

func newMockWorker() (*PythonWorker, *MockCloser, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}
	return w, stdinMock, dataPipeMock
}

func TestVerify(t *testing.T) {
	w, stdinMock, dataPipeMock := newMockWorker()

	// Protocol: [Status:0] [Verified:1] [Distance:f64]
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	payload.WriteByte(1)
	binary.Write(payload, binary.BigEndian, math.Float64bits(0.2345))
	writeFrame(dataPipeMock, payload.Bytes())

	probe := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	ref := []byte{0xCA, 0xFE}
	v, err := w.Verify(probe, ref)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	// Verify Go sent the correct data TO Python
	sent := stdinMock.Bytes()
	// Expect 4 bytes header + 4 probe len + probe + 4 ref len + ref
	if len(sent) != 4+4+len(probe)+4+len(ref) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+4+len(probe)+4+len(ref), len(sent))
	}
	if got := binary.BigEndian.Uint32(sent[0:4]); got != uint32(8+len(probe)+len(ref)) {
		t.Errorf("frame length = %d", got)
	}
	if got := binary.BigEndian.Uint32(sent[4:8]); got != uint32(len(probe)) {
		t.Errorf("probe length = %d", got)
	}
	if !bytes.Equal(sent[8:12], probe) {
		t.Errorf("probe bytes = %X", sent[8:12])
	}
	if !bytes.Equal(sent[16:], ref) {
		t.Errorf("reference bytes = %X", sent[16:])
	}

	// Verify Go read the correct data FROM Python
	if !v.Verified {
		t.Error("Expected verified result")
	}
	// Use epsilon for float comparison
	if math.Abs(v.Distance-0.2345) > 1e-12 {
		t.Errorf("Expected distance 0.2345, got %f", v.Distance)
	}
}

func TestVerify_NotVerified(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	payload := []byte{0, 0}
	payload = binary.BigEndian.AppendUint64(payload, math.Float64bits(0.91))
	writeFrame(dataPipeMock, payload)

	v, err := w.Verify([]byte("probe"), []byte("ref"))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if v.Verified {
		t.Error("Expected unverified result")
	}
}

func TestVerify_NoFace(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	writeFrame(dataPipeMock, []byte{2})

	_, err := w.Verify([]byte("probe"), []byte("ref"))
	if !errors.Is(err, ErrNoFace) {
		t.Fatalf("Expected ErrNoFace, got %v", err)
	}
}

func TestVerify_Error(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	writeFrame(dataPipeMock, payload.Bytes())

	_, err := w.Verify([]byte("frame"), []byte("ref"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
	if errors.Is(err, ErrBroken) {
		t.Error("A logic error must not mark the engine broken")
	}
}

func TestVerify_CrashMarksBroken(t *testing.T) {
	// Empty data pipe: the engine died before answering
	w, _, _ := newMockWorker()

	_, err := w.Verify([]byte("frame"), []byte("ref"))
	if !errors.Is(err, ErrBroken) {
		t.Fatalf("Expected ErrBroken, got %v", err)
	}
}

func TestVerify_TruncatedVerdict(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	writeFrame(dataPipeMock, []byte{0, 1, 0x3F})

	if _, err := w.Verify([]byte("p"), []byte("r")); err == nil {
		t.Fatal("Expected truncated verdict error")
	}
}

func TestReadFrame_RejectsHugeLength(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	binary.Write(dataPipeMock, binary.BigEndian, uint32(maxResponseLen+1))

	if _, err := w.readFrame(0); err == nil {
		t.Fatal("Expected oversized frame to be rejected")
	}
}

func TestKill_InterruptsVerify(t *testing.T) {
	// A child that never answers, like an engine stuck in inference.
	cmd := utils.NewSafeCommand(context.Background(), "sleep", "30")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep unavailable: %v", err)
	}
	pw := &PythonWorker{ID: 1, Cmd: cmd, Stdin: stdin, DataPipe: r}

	done := make(chan error, 1)
	go func() {
		_, err := pw.Verify([]byte("p"), []byte("r"))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	pw.Kill()
	select {
	case err := <-done:
		if !errors.Is(err, ErrBroken) {
			t.Errorf("Expected ErrBroken, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Verify still blocked after Kill")
	}
}
