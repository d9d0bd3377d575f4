package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shwaaa21/automaker-sub000/internal/common/logger"
)

// stopGracePeriod is how long a process gets to exit after an interrupt
// before it is killed.
const stopGracePeriod = 10 * time.Second

// ProcessRunner runs the configured agent command as a local subprocess,
// one invocation per turn. The prompt and any follow-up messages are
// written to the process's stdin as JSON lines; stdout lines are relayed as
// progress, except lines of the form `{"tool": ..., "input": ...}` which
// are reported as tool use.
type ProcessRunner struct {
	command []string
	env     []string
	logger  *logger.Logger
}

// NewProcessRunner creates a runner for the given agent command line.
func NewProcessRunner(command []string, log *logger.Logger) *ProcessRunner {
	return &ProcessRunner{
		command: command,
		env:     os.Environ(),
		logger:  log.WithFields(zap.String("component", "process-runner")),
	}
}

// toolLine is the structured stdout line an agent emits on tool use.
type toolLine struct {
	Tool  string                 `json:"tool"`
	Input map[string]interface{} `json:"input"`
}

// inputLine is what gets written to the agent's stdin.
type inputLine struct {
	Type        string   `json:"type"` // "prompt" or "message"
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

func (r *ProcessRunner) Run(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error {
	if len(r.command) == 0 {
		return fmt.Errorf("no agent command configured")
	}

	// Not CommandContext: cancellation sends an interrupt first so the
	// agent can finish writing, then falls back to kill.
	cmd := exec.Command(r.command[0], r.command[1:]...)
	cmd.Dir = req.WorkspacePath
	cmd.Env = append(r.env,
		"AUTOMAKER_FEATURE_ID="+req.FeatureID,
		"AUTOMAKER_SESSION_ID="+req.SessionID,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	r.logger.Info("agent process started",
		zap.Strings("command", r.command),
		zap.String("workdir", req.WorkspacePath),
		zap.Int("pid", cmd.Process.Pid))

	if err := writeLine(stdin, inputLine{Type: "prompt", Text: req.Prompt}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("failed to send prompt: %w", err)
	}

	processDone := make(chan struct{})
	var wg sync.WaitGroup

	// Forward follow-up messages until the process exits.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if err := writeLine(stdin, inputLine{
					Type:        "message",
					Text:        msg.Text,
					Attachments: msg.Attachments,
				}); err != nil {
					r.logger.Warn("failed to forward message to agent", zap.Error(err))
					return
				}
			case <-processDone:
				return
			}
		}
	}()

	// Interrupt on cancellation, kill if it lingers.
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(os.Interrupt)
			select {
			case <-processDone:
			case <-time.After(stopGracePeriod):
				_ = cmd.Process.Kill()
			}
		case <-processDone:
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			r.logger.Debug("agent stderr", zap.String("line", scanner.Text()))
		}
	}()

	// Drain stdout on this goroutine so notifications stay ordered.
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "{") {
			var tl toolLine
			if err := json.Unmarshal([]byte(line), &tl); err == nil && tl.Tool != "" {
				notify.ToolUse(tl.Tool, tl.Input)
				continue
			}
		}
		notify.Progress(line)
	}

	err = cmd.Wait()
	close(processDone)
	_ = stdin.Close()
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("agent process failed: %w", err)
	}
	return nil
}

func writeLine(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
