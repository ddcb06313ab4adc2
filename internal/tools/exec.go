package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Commands denied regardless of policy mode. The agent runs on the
// principal's machine; a prompt-injected "clean up your disk" must die
// here, not at the model's discretion.
var execDenyPatterns = []*regexp.Regexp{
	// destructive file operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|fdisk)\b|\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// remote code execution and exfiltration
	regexp.MustCompile(`\b(curl|wget)\b.*\|\s*(ba|z)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bcurl\b.*(-d\b|--data|--upload|-T\b|-X\s*P(UT|OST))`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),

	// privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount|nsenter|unshare)\b`),
	regexp.MustCompile(`\bchmod\s+[0-7]{3,4}\s+/`),
	regexp.MustCompile(`\bchown\b.*\s+/`),

	// environment and persistence
	regexp.MustCompile(`\b(LD_PRELOAD|LD_LIBRARY_PATH|BASH_ENV)\s*=`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`>\s*~?/?\.(bashrc|bash_profile|profile|zshrc)`),

	// secret dumping
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
	regexp.MustCompile(`\bprintenv\b`),

	// process manipulation
	regexp.MustCompile(`\b(killall|pkill)\b`),
	regexp.MustCompile(`\bkill\s+-9\s`),
}

// ExecTool runs shell commands on the host, filtered by the deny list.
type ExecTool struct {
	workingDir string
	timeout    time.Duration
}

func NewExecTool(workingDir string, timeout time.Duration) *ExecTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ExecTool{workingDir: workingDir, timeout: timeout}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command on the host and return stdout/stderr. Destructive and network-abuse commands are refused."
}

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to run",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	for _, pattern := range execDenyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command denied by safety policy: matches pattern %s", pattern.String()))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s", t.timeout))
	}

	output := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())
	if err != nil {
		msg := fmt.Sprintf("command failed: %v", err)
		if errOut != "" {
			msg += "\n" + errOut
		}
		if output != "" {
			msg += "\n" + output
		}
		return ErrorResult(msg)
	}
	if output == "" && errOut != "" {
		output = errOut
	}
	if output == "" {
		output = "(no output)"
	}
	const maxOutput = 20000
	if len(output) > maxOutput {
		output = output[:maxOutput] + "\n... (truncated)"
	}
	return NewResult(output)
}
