// Package worker drives the out-of-process ML engine that implements face
// detection, liveness classification and embedding extraction.
//
// The engine is a child process reading requests on stdin and writing
// responses to a side-channel pipe (FD 3), so its own logging on stdout and
// stderr never corrupts the data stream. All integers are big endian.
//
//	request:  [len uint32][op uint8][payload]        len covers op+payload
//	response: [len uint32][status uint8][body]
//	          status 0: body is op specific
//	          status 1: body is [msgLen uint32][msg]
//
//	ping:     payload empty                 body empty
//	detect:   payload JPEG frame            body [n uint32] n x ([4]int32 box, float32 score)
//	liveness: payload JPEG crop             body float32 probability
//	embed:    payload JPEG crop             body [dim uint32] dim x float32, dim 0 = invalid
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
)

const (
	opPing     byte = 0
	opDetect   byte = 1
	opLiveness byte = 2
	opEmbed    byte = 3

	statusOK  byte = 0
	statusErr byte = 1

	jpegQuality = 92
	// maxResponse bounds a single response to guard against a desynchronized stream.
	maxResponse = 64 << 20
)

// ErrWorkerDown is returned when the engine process died during a call. The
// next call respawns it.
var ErrWorkerDown = errors.New("python worker is down")

// Options configures how the engine is launched.
type Options struct {
	Python      string
	Script      string
	Device      string
	PingTimeout time.Duration
	Logger      *zap.Logger
}

// PythonWorker is a single engine process. Calls are serialized; a call whose
// context ends first kills the process, which is restarted lazily.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	opts  Options
	spawn func() error

	mu   sync.Mutex
	dead bool
}

// NewPythonWorker starts the engine process.
func NewPythonWorker(id int, opts Options) (*PythonWorker, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 30 * time.Second
	}
	w := &PythonWorker{ID: id, opts: opts}
	w.spawn = w.start

	if err := w.start(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *PythonWorker) start() error {
	args := []string{"-u", w.opts.Script}
	if w.opts.Device != "" {
		args = append(args, "--device", w.opts.Device)
	}
	py := utils.NewSafeCommand(w.opts.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{pw}

	stdin, err := py.StdinPipe()
	if err != nil {
		pw.Close() // Prevent FD leak
		r.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		pw.Close()
		r.Close()
		return fmt.Errorf("worker %d failed to start: %w", w.ID, err)
	}

	// Close the write-end in the parent so only the child holds it
	pw.Close()

	w.Cmd = py
	w.Stdin = stdin
	w.DataPipe = r
	w.dead = false
	w.opts.Logger.Info("engine started",
		zap.Int("worker_id", w.ID),
		zap.Int("pid", py.Process.Pid))
	return nil
}

// Communicate sends one request and returns the body of a successful response.
// A call whose context has already ended neither restarts nor touches the
// engine.
func (w *PythonWorker) Communicate(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead {
		if err := w.respawn(ctx); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return w.call(ctx, op, payload)
}

// call runs one exchange. The caller holds w.mu.
func (w *PythonWorker) call(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.exchange(op, payload)
		done <- reply{body, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && !isEngineError(r.err) {
			w.kill()
			return nil, fmt.Errorf("%w: %v%s", ErrWorkerDown, r.err, w.crashLog())
		}
		return r.body, r.err
	case <-ctx.Done():
		w.kill()
		<-done // the exchange unblocks once the pipes are closed
		w.opts.Logger.Warn("engine call abandoned, worker killed",
			zap.Int("worker_id", w.ID),
			zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}
}

func (w *PythonWorker) exchange(op byte, payload []byte) ([]byte, error) {
	// Protocol: [Length][Op][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(append([]byte{op}, payload...)); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch an engine crash
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		return nil, fmt.Errorf("invalid response length %d", respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, resp); err != nil {
		return nil, err
	}

	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusErr:
		r := bytes.NewReader(resp[1:])
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil || int(msgLen) > r.Len() {
			return nil, engineError("malformed error response")
		}
		msg := make([]byte, msgLen)
		_, _ = io.ReadFull(r, msg)
		return nil, engineError(string(msg))
	default:
		return nil, fmt.Errorf("unknown response status %d", resp[0])
	}
}

// engineError is an error reported by the engine itself; the process is healthy.
type engineError string

func (e engineError) Error() string { return "python worker error: " + string(e) }

func isEngineError(err error) bool {
	var ee engineError
	return errors.As(err, &ee)
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		_ = w.Cmd.Wait()
	}
	w.dead = true
}

func (w *PythonWorker) crashLog() string {
	if w.Cmd == nil || w.Cmd.Stderr.Len() == 0 {
		return ""
	}
	return "\nPYTHON CRASH LOGS:\n" + w.Cmd.Stderr.String()
}

// respawn restarts the engine and waits for it to answer a ping. Model loading
// runs under PingTimeout rather than the caller's deadline.
func (w *PythonWorker) respawn(ctx context.Context) error {
	if w.spawn == nil {
		return fmt.Errorf("%w: worker %d is down and cannot be restarted", types.ErrAdapterUnavailable, w.ID)
	}
	w.opts.Logger.Warn("restarting engine", zap.Int("worker_id", w.ID))
	if err := w.spawn(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrAdapterUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.PingTimeout)
	defer cancel()
	if _, err := w.call(pingCtx, opPing, nil); err != nil {
		return fmt.Errorf("%w: engine did not answer after restart: %v", types.ErrAdapterUnavailable, err)
	}
	return nil
}

// Ready pings the engine.
func (w *PythonWorker) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.opts.PingTimeout)
	defer cancel()

	if _, err := w.Communicate(ctx, opPing, nil); err != nil {
		return fmt.Errorf("engine ping failed: %w", err)
	}
	return nil
}

// Detect implements types.Detector.
func (w *PythonWorker) Detect(ctx context.Context, img image.Image) ([]types.DetectedFace, error) {
	payload, err := encodeJPEG(img)
	if err != nil {
		return nil, err
	}
	body, err := w.Communicate(ctx, opDetect, payload)
	if err != nil {
		return nil, err
	}
	return parseDetections(body)
}

// ClassifyLiveness implements types.LivenessClassifier.
func (w *PythonWorker) ClassifyLiveness(ctx context.Context, crop image.Image) (float64, error) {
	payload, err := encodeJPEG(crop)
	if err != nil {
		return 0, err
	}
	body, err := w.Communicate(ctx, opLiveness, payload)
	if err != nil {
		return 0, err
	}
	if len(body) != 4 {
		return 0, fmt.Errorf("liveness response has %d bytes, want 4", len(body))
	}
	p := math.Float32frombits(binary.BigEndian.Uint32(body))
	return float64(p), nil
}

// Embed implements types.Embedder. A zero dimension response is returned as a
// nil embedding.
func (w *PythonWorker) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	payload, err := encodeJPEG(crop)
	if err != nil {
		return nil, err
	}
	body, err := w.Communicate(ctx, opEmbed, payload)
	if err != nil {
		return nil, err
	}
	return parseEmbedding(body)
}

// Close stops the engine by closing its stdin and waits for it to exit.
func (w *PythonWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead {
		return
	}
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
	w.dead = true
}

func encodeJPEG(img image.Image) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("cannot encode empty image")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func parseDetections(body []byte) ([]types.DetectedFace, error) {
	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read face count: %w", err)
	}
	// Each face is 4 int32 + 1 float32
	if int64(n)*20 != int64(r.Len()) {
		return nil, fmt.Errorf("detect response has %d bytes for %d faces", r.Len(), n)
	}

	faces := make([]types.DetectedFace, 0, n)
	for i := uint32(0); i < n; i++ {
		var rec struct {
			Box   [4]int32
			Score float32
		}
		if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
			return nil, fmt.Errorf("failed to read face %d: %w", i, err)
		}
		faces = append(faces, types.DetectedFace{
			Box: types.BoundingBox{
				X1: int(rec.Box[0]), Y1: int(rec.Box[1]),
				X2: int(rec.Box[2]), Y2: int(rec.Box[3]),
			},
			Confidence: float64(rec.Score),
		})
	}
	return faces, nil
}

func parseEmbedding(body []byte) ([]float32, error) {
	r := bytes.NewReader(body)
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("failed to read embedding size: %w", err)
	}
	if dim == 0 {
		return nil, nil
	}
	if int64(dim)*4 != int64(r.Len()) {
		return nil, fmt.Errorf("embed response has %d bytes for dimension %d", r.Len(), dim)
	}
	vec := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, vec); err != nil {
		return nil, fmt.Errorf("failed to read embedding: %w", err)
	}
	return vec, nil
}
