package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/reglet-dev/reglet-trust/capability"
)

// ErrNonInteractive is returned when approval needs a terminal and none is attached.
var ErrNonInteractive = errors.New("approval requires an interactive terminal")

// TerminalApprover reviews pending grant requests interactively.
type TerminalApprover struct {
	out io.Writer
}

// NewTerminalApprover creates a TerminalApprover writing warnings to stderr.
func NewTerminalApprover() *TerminalApprover {
	return &TerminalApprover{out: os.Stderr}
}

// IsInteractive checks if we're running in an interactive terminal.
func (p *TerminalApprover) IsInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// Review asks the operator to approve or deny one request.
func (p *TerminalApprover) Review(ctx context.Context, req capability.Request) (bool, string, error) {
	if req.Risk >= capability.RiskHigh {
		fmt.Fprintf(p.out, "\n")
		fmt.Fprintf(p.out, "\033[1;33mSecurity Warning: %s Risk Permission Requested\033[0m\n\n", strings.ToUpper(req.Risk.String()))
		fmt.Fprintf(p.out, "  %s\n", req.Description)
		fmt.Fprintf(p.out, "  Recommendation: Review if this access is necessary.\n")
		fmt.Fprintf(p.out, "\n")
	}

	const (
		OptionApprove = "Approve"
		OptionDeny    = "Deny"
		OptionSkip    = "Decide later"
	)

	var selection string
	sel := huh.NewSelect[string]().
		Title(fmt.Sprintf("Plugin %s requests %s", req.PluginID, req.Capability)).
		Description(fmt.Sprintf("%s (risk: %s)", req.Description, req.Risk)).
		Options(
			huh.NewOption(OptionApprove, OptionApprove),
			huh.NewOption(OptionDeny, OptionDeny),
			huh.NewOption(OptionSkip, OptionSkip),
		).
		Value(&selection)
	if err := huh.NewForm(huh.NewGroup(sel)).RunWithContext(ctx); err != nil {
		return false, "", err
	}

	switch selection {
	case OptionApprove:
		return true, "", nil
	case OptionDeny:
		var reason string
		input := huh.NewInput().
			Title("Reason for denial").
			Value(&reason)
		if err := huh.NewForm(huh.NewGroup(input)).RunWithContext(ctx); err != nil {
			return false, "", err
		}
		if reason == "" {
			reason = "denied by operator"
		}
		return false, reason, nil
	default:
		return false, "", errSkip
	}
}

var errSkip = errors.New("decision deferred")

// ReviewResult summarizes a ReviewPending run.
type ReviewResult struct {
	Approved int
	Denied   int
	Deferred int
}

// ReviewPending walks pending requests and applies the approver's decisions
// under the given principal.
func (g *Gatekeeper) ReviewPending(ctx context.Context, approver capability.Approver, principal, pluginID string) (ReviewResult, error) {
	var res ReviewResult
	pending, err := g.Pending(ctx, pluginID)
	if err != nil {
		return res, err
	}
	if len(pending) == 0 {
		return res, nil
	}
	if !approver.IsInteractive() {
		return res, FormatNonInteractiveError(pending)
	}

	for _, req := range pending {
		approve, reason, err := approver.Review(ctx, req)
		switch {
		case errors.Is(err, errSkip):
			res.Deferred++
			continue
		case err != nil:
			return res, err
		case approve:
			if _, err := g.Approve(ctx, req.ID, principal); err != nil {
				return res, err
			}
			res.Approved++
		default:
			if _, err := g.Deny(ctx, req.ID, principal, reason); err != nil {
				return res, err
			}
			res.Denied++
		}
	}
	return res, nil
}

// FormatNonInteractiveError lists pending requests and how to resolve them.
func FormatNonInteractiveError(pending []capability.Request) error {
	var msg strings.Builder
	msg.WriteString("Plugins are waiting for capability approval (running in non-interactive mode)\n\n")
	msg.WriteString("Pending requests:\n")
	for _, r := range pending {
		msg.WriteString(fmt.Sprintf("  - %s  %s  %s (risk: %s)\n", r.ID, r.PluginID, r.Capability, r.Risk))
	}
	msg.WriteString("\nTo resolve them:\n")
	msg.WriteString("  1. Run `plugintrust grants review` in a terminal\n")
	msg.WriteString("  2. Run `plugintrust grants approve <request-id>` or `plugintrust grants deny <request-id>`\n")

	return fmt.Errorf("%w\n%s", ErrNonInteractive, msg.String())
}
