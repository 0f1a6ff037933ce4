// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Control line types exchanged with an exec agent, in addition to the
// native event types it emits.
const (
	lineRun                 = "run"
	lineInteractionResponse = "interaction_response"
	lineResult              = "result"
)

const maxLineBytes = 16 << 20

// ExecConfig configures an agent that runs as a child process speaking
// newline-delimited JSON on stdin and stdout.
type ExecConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string

	// StopGrace is how long the process gets between SIGTERM and SIGKILL.
	StopGrace time.Duration
}

// ExecService starts one process per run.
type ExecService struct {
	config ExecConfig
}

// NewExecService validates cfg and returns a service.
func NewExecService(cfg ExecConfig) (*ExecService, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("exec agent: command is required")
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 500 * time.Millisecond
	}
	return &ExecService{config: cfg}, nil
}

type controlLine struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Start spawns the agent process and sends it the run request.
func (s *ExecService) Start(ctx context.Context, req RunRequest) (Run, error) {
	cmd := exec.Command(s.config.Command, s.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "KAIAK_SESSION_ID="+req.SessionID, "KAIAK_REQUEST_ID="+req.RequestID)

	// Own process group so cancellation reaches the agent's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = s.config.WorkDir
	if req.Workspace != "" {
		cmd.Dir = req.Workspace
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("agent command %q not found: %w", s.config.Command, err)
		}
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	r := &execRun{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		grace:  s.config.StopGrace,
		events: make(chan NativeEvent, 64),
		done:   make(chan struct{}),
	}

	if err := r.writeLine(ctx, controlLine{Type: lineRun, Data: req}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("failed to send run request: %w", err)
	}

	go r.readLoop(stdout)
	return r, nil
}

type execRun struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	grace  time.Duration

	writeMu sync.Mutex
	stdin   io.WriteCloser

	events chan NativeEvent
	done   chan struct{}

	cancelOnce sync.Once
	cancelled  bool
	mu         sync.Mutex
	result     *Result
	err        error
}

func (r *execRun) Events() <-chan NativeEvent {
	return r.events
}

func (r *execRun) Wait() (*Result, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

func (r *execRun) RespondInteraction(ctx context.Context, id string, reply InteractionReply) error {
	return r.writeLine(ctx, controlLine{
		Type: lineInteractionResponse,
		Data: map[string]any{
			"id":        id,
			"approved":  reply.Approved,
			"action":    reply.Action,
			"data":      reply.Data,
			"timed_out": reply.TimedOut,
		},
	})
}

// Cancel stops the process: SIGTERM, then SIGKILL after the grace period.
func (r *execRun) Cancel() {
	r.cancelOnce.Do(func() {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()

		go func() {
			if r.cmd.Process == nil {
				return
			}
			r.signal(syscall.SIGTERM)

			select {
			case <-r.done:
				return
			case <-time.After(r.grace):
				// Process didn't respond to SIGTERM, force kill
			}
			r.signal(syscall.SIGKILL)
		}()
	})
}

func (r *execRun) signal(sig syscall.Signal) {
	if err := syscall.Kill(-r.cmd.Process.Pid, sig); err != nil {
		_ = r.cmd.Process.Signal(sig)
	}
}

func (r *execRun) writeLine(ctx context.Context, line controlLine) error {
	b, err := json.Marshal(line)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	select {
	case <-r.done:
		return fmt.Errorf("agent process has exited")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err = r.stdin.Write(b)
	return err
}

func (r *execRun) readLoop(stdout io.Reader) {
	defer close(r.done)
	defer close(r.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var result *Result
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev NativeEvent
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
			// Plain output is relayed as a log line rather than dropped.
			r.events <- NewNativeEvent(EventLog, map[string]any{"message": string(line), "level": "info"})
			continue
		}
		if ev.Type == lineResult {
			result = &Result{}
			if err := json.Unmarshal(ev.Data, result); err != nil {
				slog.Warn("Malformed agent result", "error", err)
			}
			continue
		}
		r.events <- ev
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		r.signal(syscall.SIGKILL)
	}

	r.writeMu.Lock()
	_ = r.stdin.Close()
	r.writeMu.Unlock()

	waitErr := r.cmd.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.cancelled:
		r.err = ErrRunCancelled
	case waitErr != nil:
		r.err = fmt.Errorf("agent process failed: %w%s", waitErr, r.stderr.suffix())
	case scanErr != nil:
		r.err = fmt.Errorf("failed to read agent output: %w", scanErr)
	default:
		r.result = result
		if r.result == nil {
			r.result = &Result{}
		}
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) suffix() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimSpace(string(t.buf))
	if s == "" {
		return ""
	}
	return ": " + s
}
