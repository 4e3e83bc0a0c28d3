// Package snarkworker manages the external SNARK worker: a subprocess
// spoken to over stdin/stdout with a small line-framed JSON protocol
// (Commit, GetSpec, SpecVersion). The worker's internal proving logic and
// exact wire bytes are out of scope; this package owns process lifecycle
// and request/response plumbing.
package snarkworker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"
)

// Op names the worker protocol's operations.
type Op string

const (
	OpCommit      Op = "commit"
	OpGetSpec     Op = "get_spec"
	OpSpecVersion Op = "spec_version"
)

// Request is one framed request to the worker.
type Request struct {
	Op    Op     `json:"op"`
	JobId string `json:"job_id,omitempty"`
}

// Response is the worker's framed reply.
type Response struct {
	Op    Op              `json:"op"`
	Ok    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Spec  json.RawMessage `json:"spec,omitempty"`
}

// Worker is the interface the node wires against; Process is the
// subprocess-backed implementation, and tests substitute in-memory fakes.
type Worker interface {
	Commit(jobId string) error
	GetSpec(jobId string) (json.RawMessage, error)
	SpecVersion() (string, error)
	Close() error
}

// Process runs the worker binary as a child process.
type Process struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	log    *logrus.Entry
}

// Start launches the worker binary with the given args.
func Start(binary string, args ...string) (*Process, error) {
	cmd := exec.Command(binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("snarkworker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("snarkworker: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("snarkworker: start %s: %w", binary, err)
	}
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	return &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: sc,
		log:    logrus.WithField("component", "snarkworker"),
	}, nil
}

// roundTrip writes one request line and reads one response line. The
// worker protocol is strictly request/response, so a single mutex
// serializes callers.
func (p *Process) roundTrip(req Request) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("snarkworker: marshal request: %w", err)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return Response{}, fmt.Errorf("snarkworker: write request: %w", err)
	}
	if !p.stdout.Scan() {
		if err := p.stdout.Err(); err != nil {
			return Response{}, fmt.Errorf("snarkworker: read response: %w", err)
		}
		return Response{}, fmt.Errorf("snarkworker: worker closed its stdout")
	}
	var resp Response
	if err := json.Unmarshal(p.stdout.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("snarkworker: decode response: %w", err)
	}
	if !resp.Ok {
		return resp, fmt.Errorf("snarkworker: %s failed: %s", req.Op, resp.Error)
	}
	return resp, nil
}

func (p *Process) Commit(jobId string) error {
	_, err := p.roundTrip(Request{Op: OpCommit, JobId: jobId})
	return err
}

func (p *Process) GetSpec(jobId string) (json.RawMessage, error) {
	resp, err := p.roundTrip(Request{Op: OpGetSpec, JobId: jobId})
	if err != nil {
		return nil, err
	}
	return resp.Spec, nil
}

func (p *Process) SpecVersion() (string, error) {
	resp, err := p.roundTrip(Request{Op: OpSpecVersion})
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(resp.Spec, &v); err != nil {
		return "", fmt.Errorf("snarkworker: decode spec version: %w", err)
	}
	return v, nil
}

// Close terminates the worker process.
func (p *Process) Close() error {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

var _ Worker = (*Process)(nil)
