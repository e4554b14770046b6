package mcpmanager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// stdioClient speaks MCP over a spawned subprocess's stdin/stdout, one
// JSON-RPC frame per line. Calls are serialized: the protocol here is
// strictly request/response and the subprocess answers in order.
type stdioClient struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Scanner
	requestID atomic.Int64

	mu     sync.Mutex
	closed bool
}

func newStdioClient(command string, args []string, env map[string]string) (*stdioClient, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &stdioClient{cmd: cmd, stdin: stdin, stdout: scanner}, nil
}

// call writes one request line and reads response lines until the one
// matching our id arrives (skipping server-initiated notifications).
func (c *stdioClient) call(ctx context.Context, method string, params any) (*response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("stdio client closed")
	}

	id := c.requestID.Add(1)
	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	line = append(line, '\n')

	type result struct {
		resp *response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if _, err := c.stdin.Write(line); err != nil {
			done <- result{err: fmt.Errorf("write request: %w", err)}
			return
		}
		for c.stdout.Scan() {
			raw := c.stdout.Bytes()
			if len(raw) == 0 {
				continue
			}
			var resp response
			if err := json.Unmarshal(raw, &resp); err != nil {
				log.Warn().Err(err).Msg("skipping malformed stdio frame")
				continue
			}
			if matchesID(resp.ID, id) {
				done <- result{resp: &resp}
				return
			}
		}
		if err := c.stdout.Err(); err != nil {
			done <- result{err: fmt.Errorf("read response: %w", err)}
			return
		}
		done <- result{err: fmt.Errorf("server closed stdout before responding")}
	}()

	select {
	case <-ctx.Done():
		// The subprocess may be wedged; the kill on Close unblocks the
		// reader goroutine.
		return nil, ctx.Err()
	case r := <-done:
		return r.resp, r.err
	}
}

// matchesID compares a decoded JSON id (float64 after round-trip) with the
// int64 we sent.
func matchesID(got any, want int64) bool {
	switch v := got.(type) {
	case float64:
		return int64(v) == want
	case int64:
		return v == want
	case json.Number:
		n, err := v.Int64()
		return err == nil && n == want
	default:
		return false
	}
}

func (c *stdioClient) notify(method string, params any) error {
	req := &request{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	line = append(line, '\n')
	_, err = c.stdin.Write(line)
	return err
}

// Initialize performs the MCP handshake over the pipe.
func (c *stdioClient) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "agentkernel", "version": "1.0"},
	}
	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize: %s", resp.Error.Message)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify("notifications/initialized", nil)
}

// ListTools requests the server's tool catalog.
func (c *stdioClient) ListTools(ctx context.Context) ([]ToolDef, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	var result listToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the subprocess.
func (c *stdioClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	resp, err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &CallResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("Error: %s", resp.Error.Message)}},
			IsError: true,
		}, nil
	}
	var result CallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &result, nil
}

// Close terminates the subprocess.
func (c *stdioClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stdin.Close()
	if c.cmd.Process != nil {
		if err := c.cmd.Process.Kill(); err != nil {
			log.Warn().Err(err).Msg("failed to kill mcp subprocess")
		}
	}
	return c.cmd.Wait()
}
