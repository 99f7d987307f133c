package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/logfleet/logfleet/pkg/transports/ssh"
)

const heredocDelimiter = "LOGFLEET_EOF"

// remote wraps a transport with the shell idioms the actions share.
type remote struct {
	t      ssh.Transport
	paths  Paths
	logger zerolog.Logger
	now    func() time.Time
}

// run executes cmd and logs non-zero exits.
func (r *remote) run(ctx context.Context, cmd string) (*ssh.ExecResult, error) {
	res, err := r.t.ExecuteCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		r.logger.Debug().
			Str("command", firstLine(cmd)).
			Int("exit_code", res.ExitCode).
			Str("stderr", res.Stderr).
			Msg("remote command failed")
	}
	return res, nil
}

// ok runs cmd and reports whether it exited 0.
func (r *remote) ok(ctx context.Context, cmd string) (bool, error) {
	res, err := r.run(ctx, cmd)
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

func (r *remote) isFile(ctx context.Context, p string) (bool, error) {
	return r.ok(ctx, "[ -f "+quote(p)+" ]")
}

func (r *remote) isDir(ctx context.Context, p string) (bool, error) {
	return r.ok(ctx, "[ -d "+quote(p)+" ]")
}

// writeFile writes content through a temporary file in the same directory and
// renames it into place, then checks the file exists.
func (r *remote) writeFile(ctx context.Context, p, content string) (bool, error) {
	if strings.Contains("\n"+content+"\n", "\n"+heredocDelimiter+"\n") {
		return false, fmt.Errorf("content for %s contains the line %s", p, heredocDelimiter)
	}

	tmp := fmt.Sprintf("%s.tmp-%d", p, r.now().UnixNano())
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s <<'%s' && mv -f %s %s\n%s\n%s",
		quote(dirOf(p)), quote(tmp), heredocDelimiter, quote(tmp), quote(p),
		strings.TrimSuffix(content, "\n"), heredocDelimiter)

	if ok, err := r.ok(ctx, cmd); err != nil || !ok {
		if err == nil {
			_, _ = r.run(ctx, "rm -f "+quote(tmp))
		}
		return false, err
	}
	return r.isFile(ctx, p)
}

// readPID returns the PID recorded in the pid file, or "" when there is none.
func (r *remote) readPID(ctx context.Context) (string, error) {
	res, err := r.run(ctx, "cat "+quote(r.paths.PidFile())+" 2>/dev/null")
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", nil
	}
	pid := strings.TrimSpace(res.Stdout)
	if _, err := strconv.Atoi(pid); err != nil {
		r.logger.Warn().Str("content", pid).Msg("pid file does not hold a pid")
		return "", nil
	}
	return pid, nil
}

func (r *remote) alive(ctx context.Context, pid string) (bool, error) {
	return r.ok(ctx, "ps -p "+pid+" > /dev/null 2>&1")
}

// quote wraps s in single quotes for POSIX shells.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func dirOf(p string) string {
	if i := strings.LastIndexByte(p, '/'); i > 0 {
		return p[:i]
	}
	return "/"
}

func firstLine(cmd string) string {
	if i := strings.IndexByte(cmd, '\n'); i >= 0 {
		return cmd[:i]
	}
	return cmd
}
