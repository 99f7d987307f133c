package actions

import (
	"context"
	"fmt"

	"github.com/logfleet/logfleet/pkg/lifecycle"
)

// DefaultSystemOptions is written as logstash.yml when an instance carries none.
const DefaultSystemOptions = `allow_superuser: true
path.data: data
log.level: info
path.logs: logs
`

func (f *Factory) createDirectory(ctx context.Context, r *remote, _ *lifecycle.Target) (bool, error) {
	p := r.paths
	ok, err := r.ok(ctx, fmt.Sprintf("mkdir -p %s %s %s %s",
		quote(p.Root), quote(p.ConfigDir()), quote(p.LogDir()), quote(p.DataDir())))
	if err != nil || !ok {
		return false, err
	}
	return r.isDir(ctx, p.Root)
}

// packagePath returns the archive for the instance's template, falling back to the
// configured default.
func (f *Factory) packagePath(ctx context.Context, t *lifecycle.Target) (string, error) {
	if f.opts.Packages != nil {
		p, err := f.opts.Packages.PackagePath(ctx, t.Instance.ProcessID)
		if err != nil {
			return "", fmt.Errorf("resolve package of process %d: %w", t.Instance.ProcessID, err)
		}
		if p != "" {
			return p, nil
		}
	}
	if f.opts.PackagePath == "" {
		return "", fmt.Errorf("no package path configured for process %d", t.Instance.ProcessID)
	}
	return f.opts.PackagePath, nil
}

func (f *Factory) uploadPackage(ctx context.Context, r *remote, t *lifecycle.Target) (bool, error) {
	pkg, err := f.packagePath(ctx, t)
	if err != nil {
		return false, err
	}
	res, err := r.t.UploadFile(ctx, pkg, r.paths.Package(pkg), 0644)
	if err != nil {
		return false, err
	}
	r.logger.Info().
		Int64("bytes", res.BytesTransferred).
		Str("checksum", res.Checksum).
		Dur("duration", res.Duration).
		Msg("package uploaded")
	return true, nil
}

// extractPackage unpacks the archive into the deploy root. An existing
// bin/logstash means the package is already in place.
func (f *Factory) extractPackage(ctx context.Context, r *remote, t *lifecycle.Target) (bool, error) {
	p := r.paths
	if done, err := r.isFile(ctx, p.Binary()); err != nil {
		return false, err
	} else if done {
		r.logger.Info().Msg("package already extracted, skipping")
		return true, nil
	}

	pkg, err := f.packagePath(ctx, t)
	if err != nil {
		return false, err
	}
	archive := p.Package(pkg)
	ok, err := r.ok(ctx, fmt.Sprintf("cd %s && tar -xzf %s --strip-components=1", quote(p.Root), quote(archive)))
	if err != nil || !ok {
		return false, err
	}

	if ok, err := r.isFile(ctx, p.Binary()); err != nil || !ok {
		return false, err
	}
	if _, err := r.run(ctx, "rm -f "+quote(archive)); err != nil {
		r.logger.Warn().Err(err).Msg("could not remove package archive")
	}
	return true, nil
}

func (r *remote) writeMainConfig(ctx context.Context, content string) (bool, error) {
	if content == "" {
		r.logger.Error().Msg("instance has no main config")
		return false, nil
	}
	return r.writeFile(ctx, r.paths.MainConfig(), content)
}

// writeSystemFiles writes jvm.options when set and always writes logstash.yml,
// falling back to DefaultSystemOptions.
func (r *remote) writeSystemFiles(ctx context.Context, jvmOptions, systemOptions string) (bool, error) {
	if jvmOptions != "" {
		if ok, err := r.writeFile(ctx, r.paths.JvmOptions(), jvmOptions); err != nil || !ok {
			return false, err
		}
	}
	if systemOptions == "" {
		systemOptions = DefaultSystemOptions
	}
	return r.writeFile(ctx, r.paths.SystemOptions(), systemOptions)
}

// deleteDirectory removes the deploy root. A missing directory counts as removed.
func (f *Factory) deleteDirectory(ctx context.Context, r *remote, _ *lifecycle.Target) (bool, error) {
	root := r.paths.Root
	exists, err := r.isDir(ctx, root)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}

	if _, err := r.run(ctx, "rm -rf "+quote(root)); err != nil {
		return false, err
	}
	exists, err = r.isDir(ctx, root)
	if err != nil {
		return false, err
	}
	return !exists, nil
}
