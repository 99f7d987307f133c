package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/logfleet/logfleet/pkg/lifecycle"
)

var (
	errNotRunning = errors.New("logstash process not running")
	errStillAlive = errors.New("logstash process still alive")
)

// startScript runs Logstash in the background with automatic config reload and
// records its PID.
func startScript(p Paths) string {
	return fmt.Sprintf(`#!/bin/bash
cd %s || exit 1
nohup ./bin/logstash -f %s --path.settings %s --path.logs %s --path.data %s --config.reload.automatic > %s 2>&1 </dev/null &
echo $! > %s
`,
		quote(p.Root), quote(p.MainConfig()), quote(p.ConfigDir()), quote(p.LogDir()), quote(p.DataDir()),
		quote(p.ConsoleLog()), quote(p.PidFile()))
}

// startProcess launches Logstash unless the pid file already names a live process.
// Whether the process stays up is VERIFY_PROCESS's concern.
func (f *Factory) startProcess(ctx context.Context, r *remote, _ *lifecycle.Target) (bool, error) {
	p := r.paths

	pid, err := r.readPID(ctx)
	if err != nil {
		return false, err
	}
	if pid != "" {
		running, err := r.alive(ctx, pid)
		if err != nil {
			return false, err
		}
		if running {
			r.logger.Info().Str("pid", pid).Msg("logstash already running")
			return true, nil
		}
	}

	ok, err := r.ok(ctx, fmt.Sprintf("mkdir -p %s %s && rm -f %s", quote(p.LogDir()), quote(p.DataDir()), quote(p.PidFile())))
	if err != nil || !ok {
		return false, err
	}
	if ok, err := r.writeFile(ctx, p.StartScript(), startScript(p)); err != nil || !ok {
		return false, err
	}
	if ok, err := r.ok(ctx, "chmod +x "+quote(p.StartScript())); err != nil || !ok {
		return false, err
	}

	ok, err = r.ok(ctx, quote(p.StartScript()))
	if err != nil || !ok {
		return false, err
	}
	r.logger.Info().Msg("logstash launched")
	return true, nil
}

// verifyProcess polls until the pid file names a live process, then records the PID
// as the instance's runtime handle.
func (f *Factory) verifyProcess(ctx context.Context, r *remote, t *lifecycle.Target) (bool, error) {
	attempt := 0
	pid, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		pid, err := r.readPID(ctx)
		if err != nil {
			return "", err
		}
		if pid == "" {
			return "", fmt.Errorf("no pid recorded: %w", errNotRunning)
		}
		running, err := r.alive(ctx, pid)
		if err != nil {
			return "", err
		}
		if !running {
			return "", fmt.Errorf("pid %s: %w", pid, errNotRunning)
		}
		return pid, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(f.opts.VerifyInterval)),
		backoff.WithMaxTries(uint(f.opts.VerifyAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Debug().Err(err).Int("attempt", attempt).Dur("next", next).Msg("logstash not up yet")
		}),
	)
	if errors.Is(err, errNotRunning) {
		r.logger.Error().Err(err).Int("attempts", attempt).Msg("logstash did not come up")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	r.logger.Info().Str("pid", pid).Int("attempts", attempt).Msg("logstash verified")
	if f.handles != nil {
		if err := f.handles.SetRuntimeHandle(ctx, t.Instance.ID, pid); err != nil {
			return false, fmt.Errorf("record pid %s: %w", pid, err)
		}
	}
	return true, nil
}

// stopProcess sends SIGTERM, escalating to SIGKILL when the process outlives
// StopTimeout. A missing or empty pid file means the process is already stopped.
func (f *Factory) stopProcess(ctx context.Context, r *remote, _ *lifecycle.Target) (bool, error) {
	pid, err := r.readPID(ctx)
	if err != nil {
		return false, err
	}
	if pid == "" {
		_, _ = r.run(ctx, "rm -f "+quote(r.paths.PidFile()))
		r.logger.Info().Msg("no pid recorded, treating as stopped")
		return true, nil
	}

	if _, err := r.run(ctx, "kill "+pid); err != nil {
		return false, err
	}
	stopped, err := f.waitForExit(ctx, r, pid, f.opts.StopTimeout)
	if err != nil {
		return false, err
	}
	if !stopped {
		r.logger.Warn().Str("pid", pid).Dur("waited", f.opts.StopTimeout).Msg("graceful stop timed out, sending SIGKILL")
		if _, err := r.run(ctx, "kill -9 "+pid); err != nil {
			return false, err
		}
		if stopped, err = f.waitForExit(ctx, r, pid, f.opts.KillTimeout); err != nil {
			return false, err
		}
	}

	if !stopped {
		r.logger.Error().Str("pid", pid).Msg("logstash survived SIGKILL")
		return false, nil
	}
	_, _ = r.run(ctx, "rm -f "+quote(r.paths.PidFile()))
	r.logger.Info().Str("pid", pid).Msg("logstash stopped")
	return true, nil
}

// forceStopProcess kills the recorded process with SIGKILL without a graceful phase.
func (f *Factory) forceStopProcess(ctx context.Context, r *remote, _ *lifecycle.Target) (bool, error) {
	pid, err := r.readPID(ctx)
	if err != nil {
		return false, err
	}
	if pid == "" {
		return true, nil
	}

	if _, err := r.run(ctx, "kill -9 "+pid); err != nil {
		return false, err
	}
	stopped, err := f.waitForExit(ctx, r, pid, f.opts.KillTimeout)
	if err != nil || !stopped {
		return false, err
	}
	_, _ = r.run(ctx, "rm -f "+quote(r.paths.PidFile()))
	return true, nil
}

// waitForExit polls until pid is gone or timeout elapses. Transport errors while
// polling are retried like a live process.
func (f *Factory) waitForExit(ctx context.Context, r *remote, pid string, timeout time.Duration) (bool, error) {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		running, err := r.alive(ctx, pid)
		if err != nil {
			return struct{}{}, err
		}
		if running {
			return struct{}{}, errStillAlive
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(f.opts.PollInterval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		r.logger.Debug().Err(err).Str("pid", pid).Msg("process did not exit in time")
		return false, nil
	}
}
