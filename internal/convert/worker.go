package convert

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"redline/engine/internal/logging"
)

const (
	jsonRPCVersion    = "2.0"
	maxMessageSize    = 12 * 1024 * 1024
	maxRestartAttempt = 3
)

// Client is the transport to the external converter process.
type Client interface {
	Call(ctx context.Context, method string, params any, result any) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Worker manages the converter subprocess: a line-delimited JSON-RPC peer
// that owns the notebook serialization parser. Restarts are retried with
// backoff and the worker is disabled after repeated start failures.
type Worker struct {
	mu       sync.Mutex
	cond     *sync.Cond
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	reader   *bufio.Reader
	pending  map[int]chan response
	nextID   int
	failures int
	disabled bool
	starting bool
	closed   bool
	logger   *slog.Logger
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type response struct {
	result json.RawMessage
	err    *rpcError
}

func NewWorker(logger *slog.Logger) *Worker {
	if logger == nil {
		logger = logging.Nop()
	}
	worker := &Worker{
		pending: make(map[int]chan response),
		nextID:  1,
		logger:  logger,
	}
	worker.cond = sync.NewCond(&worker.mu)
	return worker
}

func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	cmd := w.cmd
	w.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	return nil
}

func (w *Worker) HealthCheck(ctx context.Context) error {
	var info struct {
		OK     bool   `json:"ok"`
		Worker string `json:"worker"`
	}
	if err := w.Call(ctx, "ConverterGetInfo", map[string]any{}, &info); err != nil {
		return fmt.Errorf("converter health check failed: %w", err)
	}
	if !info.OK {
		return errors.New("converter health check returned not ok")
	}
	w.logger.Debug("convert.health_check_ok", "worker", info.Worker)
	return nil
}

func (w *Worker) Call(ctx context.Context, method string, params any, result any) error {
	if err := w.ensureRunning(); err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrUnavailable
	}
	id := w.nextID
	w.nextID++
	respCh := make(chan response, 1)
	w.pending[id] = respCh
	stdin := w.stdin
	w.mu.Unlock()

	if stdin == nil {
		w.removePending(id)
		return ErrUnavailable
	}

	payload, err := json.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		w.removePending(id)
		return err
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		w.removePending(id)
		w.mu.Lock()
		cmd := w.cmd
		w.mu.Unlock()
		w.handleProcessExit(cmd, err)
		return ErrUnavailable
	}

	select {
	case resp := <-respCh:
		if resp.err != nil {
			return mapRPCError(resp.err)
		}
		if result != nil && len(resp.result) > 0 {
			if err := json.Unmarshal(resp.result, result); err != nil {
				return err
			}
		}
		return nil
	case <-ctx.Done():
		w.removePending(id)
		return ctx.Err()
	}
}

func (w *Worker) ensureRunning() error {
	w.mu.Lock()
	for w.starting {
		w.cond.Wait()
	}
	if w.closed {
		w.mu.Unlock()
		return ErrUnavailable
	}
	if w.cmd != nil {
		w.mu.Unlock()
		return nil
	}
	if w.disabled {
		w.mu.Unlock()
		return ErrUnavailable
	}
	w.starting = true
	failures := w.failures
	w.mu.Unlock()

	if failures > 0 {
		backoff := time.Duration(1<<uint(failures-1)) * time.Second
		time.Sleep(backoff)
	}

	err := w.startProcess()

	w.mu.Lock()
	w.starting = false
	w.cond.Broadcast()
	if err != nil {
		w.failures++
		if w.failures >= maxRestartAttempt {
			w.disabled = true
		}
	} else {
		w.failures = 0
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("convert.worker_start_failed", "error", err.Error())
		return ErrUnavailable
	}

	return nil
}

func (w *Worker) startProcess() error {
	cmdPath, args, err := resolveWorkerCommand()
	if err != nil {
		return err
	}
	cmd := exec.Command(cmdPath, args...)
	env := append([]string{}, os.Environ()...)
	env = append(env, "PYTHONUNBUFFERED=1")
	cmd.Env = env
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdin
	w.reader = bufio.NewReader(stdout)
	if w.pending == nil {
		w.pending = make(map[int]chan response)
	}
	w.mu.Unlock()

	w.logger.Debug("convert.worker_started", "cmd", cmdPath)

	go w.readLoop(cmd, w.reader)
	go w.stderrLoop(stderr)
	go w.waitLoop(cmd)
	return nil
}

func (w *Worker) readLoop(cmd *exec.Cmd, reader *bufio.Reader) {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			w.handleProcessExit(cmd, err)
			return
		}
		if len(line) == 0 {
			continue
		}
		if len(line) > maxMessageSize {
			w.handleProcessExit(cmd, errors.New("message too large"))
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			w.logger.Warn("convert.invalid_json", "error", err.Error())
			continue
		}
		if resp.ID == 0 {
			continue
		}
		w.mu.Lock()
		ch := w.pending[resp.ID]
		delete(w.pending, resp.ID)
		w.mu.Unlock()
		if ch != nil {
			ch <- response{result: resp.Result, err: resp.Error}
			close(ch)
		}
	}
}

func (w *Worker) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		w.logger.Warn("convert.worker_stderr", "message", line)
	}
}

func (w *Worker) waitLoop(cmd *exec.Cmd) {
	_ = cmd.Wait()
	w.handleProcessExit(cmd, errors.New("process exited"))
}

func (w *Worker) handleProcessExit(cmd *exec.Cmd, err error) {
	w.mu.Lock()
	if w.cmd != cmd {
		w.mu.Unlock()
		return
	}
	w.cmd = nil
	w.stdin = nil
	w.reader = nil
	pending := w.pending
	w.pending = make(map[int]chan response)
	if !w.closed {
		w.failures++
		if w.failures >= maxRestartAttempt {
			w.disabled = true
		}
	}
	w.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: &rpcError{Message: CodeConverterUnavailable}}
		close(ch)
	}

	if err != nil && !errors.Is(err, io.EOF) {
		w.logger.Warn("convert.worker_exited", "error", err.Error())
	}
}

func (w *Worker) removePending(id int) {
	w.mu.Lock()
	if _, ok := w.pending[id]; ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()
}

func resolveWorkerCommand() (string, []string, error) {
	path := strings.TrimSpace(os.Getenv("REDLINE_CONVERTER_PATH"))
	if path == "" {
		return "", nil, errors.New("converter worker not configured")
	}
	if _, err := os.Stat(path); err != nil {
		return "", nil, err
	}
	if strings.HasSuffix(strings.ToLower(path), ".py") {
		python, err := resolvePython()
		if err != nil {
			return "", nil, err
		}
		return python, []string{"-u", path}, nil
	}
	return path, nil, nil
}

func resolvePython() (string, error) {
	if path, err := exec.LookPath("python3"); err == nil {
		return path, nil
	}
	if path, err := exec.LookPath("python"); err == nil {
		return path, nil
	}
	return "", errors.New("python not found in PATH")
}

func mapRPCError(err *rpcError) error {
	if err == nil {
		return nil
	}
	code := ""
	if err.Data != nil {
		if value, ok := err.Data["error_code"].(string); ok {
			code = value
		}
	}
	if code == "" && strings.EqualFold(err.Message, CodeConverterUnavailable) {
		code = CodeConverterUnavailable
	}
	if code == CodeConverterUnavailable {
		return ErrUnavailable
	}
	return &RemoteError{Code: code, Message: err.Message}
}

// WorkerConverter adapts a Client into the Converter interface. Decode
// failures are reported as an absent result, never an error.
type WorkerConverter struct {
	client Client
	logger *slog.Logger
}

func NewWorkerConverter(client Client, logger *slog.Logger) *WorkerConverter {
	if logger == nil {
		logger = logging.Nop()
	}
	return &WorkerConverter{client: client, logger: logger}
}

func (c *WorkerConverter) Convert(ctx context.Context, docType string, data []byte) ([]Cell, bool) {
	var result struct {
		Cells []Cell `json:"cells"`
	}
	params := map[string]any{
		"doc_type": docType,
		"content":  base64.StdEncoding.EncodeToString(data),
	}
	if err := c.client.Call(ctx, "DecodeDocument", params, &result); err != nil {
		c.logger.Warn("convert.decode_failed", "doc_type", docType, "error", err.Error())
		return nil, false
	}
	return result.Cells, true
}
