// Package cmdcycle executes stanza-defined command cycles: a templated open
// command run on grant and a matching close command run when the access
// timeout expires. The close commands are swept by the server's housekeeping
// loop rather than by per-rule timers, matching how firewall rule expiry is
// driven.
package cmdcycle

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spagate/spagate/internal/command"
)

// Vars are the substitution variables available to cycle templates.
type Vars struct {
	IP      string
	Port    uint16
	Proto   string
	Timeout time.Duration
}

// Render expands $IP, $PORT, $PROTO and $TIMEOUT in a template.
func Render(tmpl string, v Vars) string {
	r := strings.NewReplacer(
		"$IP", v.IP,
		"$PORT", strconv.Itoa(int(v.Port)),
		"$PROTO", v.Proto,
		"$TIMEOUT", strconv.Itoa(int(v.Timeout/time.Second)),
	)
	return r.Replace(tmpl)
}

type pendingClose struct {
	cmd      string
	runAt    time.Time
	stanzaNo int
}

// Runner owns the open/close lifecycle.
type Runner struct {
	cmds command.Runner
	log  *slog.Logger

	mu      sync.Mutex
	pending []pendingClose
}

// NewRunner creates a Runner backed by cmds.
func NewRunner(cmds command.Runner, log *slog.Logger) *Runner {
	return &Runner{cmds: cmds, log: log}
}

// Open renders and runs a cycle's open template. On success, a non-empty
// close template is scheduled for v.Timeout from now.
func (r *Runner) Open(stanzaNum int, openTmpl, closeTmpl string, v Vars) error {
	cmd := Render(openTmpl, v)
	status, err := r.cmds.Run(cmd, command.RootTimeout)
	if err != nil {
		return fmt.Errorf("cmd cycle open: %w", err)
	}
	if status != 0 {
		return fmt.Errorf("cmd cycle open exited %d", status)
	}

	r.log.Info("command cycle open executed",
		"stanza", stanzaNum, "ip", v.IP, "timeout", v.Timeout)

	if closeTmpl != "" {
		r.mu.Lock()
		r.pending = append(r.pending, pendingClose{
			cmd:      Render(closeTmpl, v),
			runAt:    time.Now().Add(v.Timeout),
			stanzaNo: stanzaNum,
		})
		r.mu.Unlock()
	}
	return nil
}

// SweepClosed runs every close command whose time has come. Called from the
// server housekeeping loop.
func (r *Runner) SweepClosed(now time.Time) {
	r.mu.Lock()
	var due []pendingClose
	rest := r.pending[:0]
	for _, p := range r.pending {
		if !p.runAt.After(now) {
			due = append(due, p)
		} else {
			rest = append(rest, p)
		}
	}
	r.pending = rest
	r.mu.Unlock()

	for _, p := range due {
		if status, err := r.cmds.Run(p.cmd, command.RootTimeout); err != nil || status != 0 {
			r.log.Error("command cycle close failed",
				"stanza", p.stanzaNo, "status", status, "err", err)
		} else {
			r.log.Info("command cycle close executed", "stanza", p.stanzaNo)
		}
	}
}

// CloseAll immediately runs every pending close, for shutdown.
func (r *Runner) CloseAll() {
	r.SweepClosed(time.Now().Add(100 * 365 * 24 * time.Hour))
}
