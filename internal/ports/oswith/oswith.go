// Package oswith implements ports.OSPort: launching an editor against a worktree path,
// or a URL, in whatever the host OS considers its default/named handler. Built directly
// on os/exec and runtime.GOOS; "open this path in an external GUI app" needs nothing more.
package oswith

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// Port is the concrete ports.OSPort implementation.
type Port struct{}

// New constructs a Port.
func New() *Port { return &Port{} }

// knownEditors maps a target identifier to its launcher binary. "finder" and "explorer"
// are handled specially since they mean "reveal in the OS file browser" rather than
// "run an editor binary".
var knownEditors = map[string]string{
	"vscode":  "code",
	"cursor":  "cursor",
	"zed":     "zed",
	"ghostty": "ghostty",
}

// OpenWith launches target against path. target is one of knownEditors' keys, or
// "finder"/"explorer" to reveal path in the OS file browser.
func (p *Port) OpenWith(ctx context.Context, target, path string) error {
	switch target {
	case "finder", "explorer":
		return p.revealInFileBrowser(ctx, path)
	}
	bin, ok := knownEditors[target]
	if !ok {
		return fmt.Errorf("unknown open-with target %q", target)
	}
	// #nosec G204 -- bin comes from the fixed knownEditors table, not user input
	cmd := exec.CommandContext(ctx, bin, path)
	return cmd.Start()
}

func (p *Port) revealInFileBrowser(ctx context.Context, path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", path)
	case "windows":
		cmd = exec.CommandContext(ctx, "explorer", path)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", path)
	}
	return cmd.Start()
}

// OpenURL launches url in the system default browser.
func (p *Port) OpenURL(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	return cmd.Start()
}
