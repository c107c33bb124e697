package budget

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// CommandProber runs a minimal worker invocation and inspects its
// output for the exhaustion signature: an error response reporting
// zero cost. A real (billed) response always carries a nonzero cost,
// so error-with-zero-cost distinguishes provider-side exhaustion from
// ordinary failures.
type CommandProber struct {
	command string // full shell command, e.g. `claude --print --output-format json -p ping`
	timeout time.Duration
}

// NewCommandProber creates a prober around the given worker command.
func NewCommandProber(command string) *CommandProber {
	return &CommandProber{command: command, timeout: 2 * time.Minute}
}

var probeCostPattern = regexp.MustCompile(`"total_cost_usd"\s*:\s*([0-9]+(?:\.[0-9]+)?)`)

// exhaustionMarkers are error strings the provider emits when the
// account is out of credit.
var exhaustionMarkers = []string{
	"credit balance is too low",
	"insufficient credits",
	"usage limit reached",
}

// Probe executes the minimal worker call.
func (p *CommandProber) Probe(ctx context.Context) (*ProbeResult, error) {
	if p.command == "" {
		return nil, fmt.Errorf("probe command not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	parts := strings.Fields(p.command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	output, runErr := cmd.CombinedOutput()
	text := string(output)

	result := &ProbeResult{RawOutput: text}
	result.Exhausted = isExhaustionSignature(text, runErr != nil)
	if runErr != nil && !result.Exhausted {
		// An ordinary probe failure (network, tooling) is not an
		// exhaustion verdict; the caller degrades it to a warning.
		return nil, fmt.Errorf("probe command: %w: %s", runErr, firstLine(text))
	}
	return result, nil
}

// isExhaustionSignature checks for the error-with-zero-cost pattern.
func isExhaustionSignature(output string, errored bool) bool {
	lower := strings.ToLower(output)
	for _, marker := range exhaustionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	if !errored {
		return false
	}
	m := probeCostPattern.FindStringSubmatch(output)
	if m == nil {
		return false
	}
	return m[1] == "0" || strings.TrimRight(m[1], "0.") == ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
