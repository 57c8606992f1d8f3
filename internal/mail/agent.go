package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ntjobs/jobsos/internal/runner"
)

const (
	AgentRequestFile = "ntjobs_mail.json"
	AgentCommand     = "ntj_sendmail_olk.cmd"
)

type agentRequest struct {
	To          string   `json:"to"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
}

// Agent hands messages to a local mail client: the request is written as
// JSON into dir and the agent command found there is run with the request
// path as its only argument.
type Agent struct {
	dir     string
	command string
	timeout time.Duration
}

func NewAgent(dir string, timeout time.Duration) *Agent {
	return &Agent{
		dir:     dir,
		command: filepath.Join(dir, AgentCommand),
		timeout: timeout,
	}
}

func (a *Agent) SendMail(ctx context.Context, to, subject, body string, attachments []string) error {
	if err := checkAttachments(attachments); err != nil {
		return err
	}
	req := agentRequest{To: to, Subject: subject, Body: body, Attachments: attachments}
	if req.Attachments == nil {
		req.Attachments = []string{}
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	reqPath := filepath.Join(a.dir, AgentRequestFile)
	if err := os.WriteFile(reqPath, data, 0o600); err != nil {
		return fmt.Errorf("mail agent: writing request: %w", err)
	}

	r := runner.NewRunner()
	stderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "mail agent", "stderr", line)
	}
	if err := r.Start(ctx, runner.Command{Path: a.command, Args: []string{reqPath}, Dir: a.dir, WaitDelay: time.Second}, stderr); err != nil {
		return fmt.Errorf("mail agent: %w", err)
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	select {
	case <-r.Done():
	case <-timer.C:
		_ = r.Terminate(ctx, time.Second)
		return fmt.Errorf("mail agent: no answer within %s", a.timeout)
	}
	if err := r.Result().Err; err != nil {
		return fmt.Errorf("mail agent: %w", err)
	}
	return nil
}
