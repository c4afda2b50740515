// Package agentrunner implements ports.AgentRunner against an external coding-agent CLI
// (codex, amp, ...) invoked as a subprocess, the same exec.CommandContext-plus-JSON shape
// internal/ports/prhost uses for the gh CLI, generalized to a long-lived streaming process
// instead of a one-shot command.
package agentrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/luban-ide/luban-core/internal/model"
	"github.com/luban-ide/luban-core/internal/ports"
)

// turnKey identifies one in-flight turn so CancelTurn can find its process.
type turnKey struct {
	workspaceID model.ID
	threadID    model.ID
}

// Port runs turns by launching Binary once per turn with Args, writing the turn request
// as one JSON line to its stdin, and reading newline-delimited JSON event lines from its
// stdout until the process exits.
type Port struct {
	Binary string
	Args   []string

	mu     sync.Mutex
	active map[turnKey]context.CancelFunc
}

// New constructs a Port that launches binary (with any fixed args) for every turn.
func New(binary string, args ...string) *Port {
	return &Port{Binary: binary, Args: args, active: make(map[turnKey]context.CancelFunc)}
}

// turnEnvelope is the line-delimited JSON wire format written to the agent's stdin.
type turnEnvelope struct {
	WorkspaceID  model.ID         `json:"workspace_id"`
	ThreadID     model.ID         `json:"thread_id"`
	WorktreePath string           `json:"worktree_path"`
	Text         string           `json:"text"`
	Attachments  []model.ID       `json:"attachments"`
	RunConfig    model.RunConfig  `json:"run_config"`
}

// agentEvent is one line of the agent's streamed stdout, tagged by type the same way
// the Snapshot Store's own frames are.
type agentEvent struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
	Text    string         `json:"text"`
	Usage   map[string]any `json:"usage"`
	Ms      int64          `json:"ms"`
	Message string         `json:"message"`
}

// StartTurn launches the configured agent binary and streams its output into cb until the
// process exits or ctx is canceled. It returns as soon as the subprocess has started;
// the turn itself completes asynchronously via cb, per the port's no-blocking contract.
func (p *Port) StartTurn(ctx context.Context, req ports.TurnRequest, cb ports.AgentRunnerCallbacks) error {
	turnCtx, cancel := context.WithCancel(context.Background())
	key := turnKey{workspaceID: req.WorkspaceID, threadID: req.ThreadID}
	p.mu.Lock()
	p.active[key] = cancel
	p.mu.Unlock()

	// #nosec G204 -- Binary/Args come from operator-controlled agent configuration, not request input
	cmd := exec.CommandContext(turnCtx, p.Binary, p.Args...)
	cmd.Dir = req.WorktreePath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("agent runner stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("agent runner stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		p.clearActive(key)
		return fmt.Errorf("agent runner start: %w", err)
	}

	envelope := turnEnvelope{
		WorkspaceID: req.WorkspaceID, ThreadID: req.ThreadID, WorktreePath: req.WorktreePath,
		Text: req.Text, Attachments: req.Attachments, RunConfig: req.RunConfig,
	}
	line, err := json.Marshal(envelope)
	if err != nil {
		cancel()
		p.clearActive(key)
		return fmt.Errorf("encode turn request: %w", err)
	}

	go func() {
		defer p.clearActive(key)
		defer cancel()
		if _, err := stdin.Write(append(line, '\n')); err != nil {
			cb.TurnError(fmt.Sprintf("write turn request: %v", err))
			return
		}
		_ = stdin.Close()
		p.pump(stdout, cb)
		if err := cmd.Wait(); err != nil && turnCtx.Err() == nil {
			cb.TurnError(fmt.Sprintf("agent process exited: %v", err))
		}
	}()

	return nil
}

// pump reads newline-delimited agentEvent JSON from r and folds each into cb.
func (p *Port) pump(r io.Reader, cb ports.AgentRunnerCallbacks) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt agentEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "item_started":
			cb.ItemStarted(evt.ID, evt.Kind, evt.Payload)
		case "item_updated":
			cb.ItemUpdated(evt.ID, evt.Payload)
		case "item_completed":
			cb.ItemCompleted(evt.ID, evt.Payload)
		case "message_delta":
			cb.MessageDelta(evt.Text)
		case "turn_usage":
			cb.TurnUsage(evt.Usage)
		case "turn_duration":
			cb.TurnDuration(evt.Ms)
		case "turn_error":
			cb.TurnError(evt.Message)
		case "turn_completed":
			cb.TurnCompleted()
		case "turn_canceled":
			cb.TurnCanceled()
		}
	}
}

func (p *Port) clearActive(key turnKey) {
	p.mu.Lock()
	delete(p.active, key)
	p.mu.Unlock()
}

// CancelTurn cancels the in-flight process for (workspaceID, threadID), if any, by
// canceling its context, which kills the process. The killed process reports neither
// TurnCanceled nor TurnError through the turn's callbacks (an exit error after a cancel is
// not reported); the Conversation Engine's cancel timeout ends such a turn.
func (p *Port) CancelTurn(ctx context.Context, workspaceID, threadID model.ID) error {
	key := turnKey{workspaceID: workspaceID, threadID: threadID}
	p.mu.Lock()
	cancel, ok := p.active[key]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	cancel()
	return nil
}

// SuggestBranchName runs the agent once in a one-shot prompt/response mode: systemPrompt
// and context go in on stdin, and the first non-empty stdout line is the candidate name.
func (p *Port) SuggestBranchName(ctx context.Context, systemPrompt, contextText string) (string, error) {
	// #nosec G204 -- Binary/Args come from operator-controlled agent configuration
	cmd := exec.CommandContext(ctx, p.Binary, append(append([]string{}, p.Args...), "--suggest-branch-name")...)
	cmd.Stdin = strings.NewReader(systemPrompt + "\n---\n" + contextText)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("agent runner suggest branch name: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("agent runner returned no branch name suggestion")
}
