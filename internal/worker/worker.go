package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/camwatch/internal/utils" // Using the SafeCommand wrapper
)

// Response status codes written by python/verify_worker.py.
const (
	statusOK     byte = 0
	statusError  byte = 1
	statusNoFace byte = 2
)

// maxResponseLen guards against a corrupted length header allocating gigabytes.
const maxResponseLen = 16 * 1024 * 1024

var (
	// ErrNoFace is returned when the engine could not detect a face in the probe or reference.
	ErrNoFace = errors.New("no face detected")
	// ErrBroken marks transport failures after which the engine must be restarted.
	ErrBroken = errors.New("engine broken")
)

// Config controls how a verification engine is spawned.
type Config struct {
	Python      string // interpreter, default python3
	Script      string // path to verify_worker.py
	Model       string // e.g. ArcFace
	Detector    string // e.g. opencv
	ReadTimeout time.Duration
}

// Verdict is the decoded answer to one verification request.
type Verdict struct {
	Verified bool
	Distance float64
}

// deadliner is implemented by *os.File; mocks in tests don't need it.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// StartError is a failed engine startup. Cmd holds the child's stderr tail,
// usually a Python traceback.
type StartError struct {
	ID  int
	Err error
	Cmd *utils.SafeCommand
}

func (e *StartError) Error() string { return fmt.Sprintf("worker %d: %v", e.ID, e.Err) }
func (e *StartError) Unwrap() error { return e.Err }

type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

// NewPythonWorker spawns a verification engine and blocks until it reports that
// its model is built, or ctx expires.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, python, "-u", cfg.Script, "--model", cfg.Model, "--detector", cfg.Detector)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}

	// Handshake: the engine sends an empty OK frame once the model is loaded.
	ready := make(chan error, 1)
	go func() {
		body, err := pw.readFrame(0)
		if err == nil && (len(body) == 0 || body[0] != statusOK) {
			err = fmt.Errorf("unexpected handshake frame % X", body)
		}
		ready <- err
	}()
	select {
	case err := <-ready:
		if err != nil {
			pw.Close()
			return nil, &StartError{ID: id, Err: fmt.Errorf("handshake: %w", err), Cmd: py}
		}
	case <-ctx.Done():
		pw.Close()
		return nil, ctx.Err()
	}
	return pw, nil
}

// Verify sends one (probe, reference) pair to the engine.
// ErrNoFace is returned when either image has no detectable face.
func (w *PythonWorker) Verify(probe, reference []byte) (Verdict, error) {
	// Protocol: [Length][ProbeLen][Probe][RefLen][Ref]
	payload := make([]byte, 0, 8+len(probe)+len(reference))
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(probe)))
	payload = append(payload, probe...)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(reference)))
	payload = append(payload, reference...)

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(payload))); err != nil {
		return Verdict{}, fmt.Errorf("%w: %w", ErrBroken, err)
	}
	if _, err := w.Stdin.Write(payload); err != nil {
		return Verdict{}, fmt.Errorf("%w: %w", ErrBroken, err)
	}

	body, err := w.readFrame(w.ReadTimeout)
	if err != nil {
		// This is where we catch the "ModuleNotFoundError" crash, or a timeout
		// that leaves the stream mid-frame.
		return Verdict{}, fmt.Errorf("%w: %w", ErrBroken, err)
	}
	return parseVerdict(body)
}

// readFrame reads one length-prefixed frame from the data pipe.
func (w *PythonWorker) readFrame(timeout time.Duration) ([]byte, error) {
	if d, ok := w.DataPipe.(deadliner); ok {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		_ = d.SetReadDeadline(deadline)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseLen {
		return nil, fmt.Errorf("response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

func parseVerdict(body []byte) (Verdict, error) {
	if len(body) == 0 {
		return Verdict{}, errors.New("empty response from python worker")
	}
	r := bytes.NewReader(body[1:])
	switch body[0] {
	case statusOK:
		var verified uint8
		var bits uint64
		if err := binary.Read(r, binary.BigEndian, &verified); err != nil {
			return Verdict{}, fmt.Errorf("truncated verdict: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
			return Verdict{}, fmt.Errorf("truncated verdict: %w", err)
		}
		return Verdict{Verified: verified == 1, Distance: math.Float64frombits(bits)}, nil
	case statusNoFace:
		return Verdict{}, ErrNoFace
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return Verdict{}, fmt.Errorf("truncated error frame: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return Verdict{}, fmt.Errorf("truncated error frame: %w", err)
		}
		return Verdict{}, fmt.Errorf("python worker error: %s", msg)
	default:
		return Verdict{}, fmt.Errorf("unknown status byte %d", body[0])
	}
}

// Kill stops the engine without waiting for the request in progress. A
// concurrent Verify returns ErrBroken.
func (w *PythonWorker) Kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.Close()
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
