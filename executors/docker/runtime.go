package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const workspaceDir = "/workspace"

var (
	ErrOOMKilled       = errors.New("oom killed")
	ErrTimedOut        = errors.New("timed out")
	ErrContainerFailed = errors.New("container exited non-zero")
)

type RunSpec struct {
	Image   string
	Command string
	Env     []string
	// Workspace is bind mounted at /workspace and used as the working
	// directory.
	Workspace string
}

type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runtime is the container engine the executor drives.
type Runtime interface {
	Pull(ctx context.Context, image string) error
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
	Extract(ctx context.Context, image, src, dest string) error
}

type dockerRuntime struct {
	docker client.APIClient
	l      *slog.Logger
}

func NewRuntime(l *slog.Logger) (Runtime, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &dockerRuntime{docker: dcli, l: l}, nil
}

func (d *dockerRuntime) Pull(ctx context.Context, img string) error {
	reader, err := d.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *dockerRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	hostConfig := &container.HostConfig{
		SecurityOpt: []string{"no-new-privileges"},
		ExtraHosts:  []string{"host.docker.internal:host-gateway"},
	}
	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   []string{"sh", "-c", spec.Command},
		Tty:   false,
		Env:   spec.Env,
	}
	if spec.Workspace != "" {
		cfg.WorkingDir = workspaceDir
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Workspace,
			Target: workspaceDir,
		}}
	}

	resp, err := d.docker.ContainerCreate(ctx, cfg, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	defer d.destroy(context.Background(), resp.ID)

	if err := d.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, err
	}
	d.l.Debug("started container", "id", resp.ID, "image", spec.Image)

	var stdout, stderr bytes.Buffer
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- d.tail(ctx, resp.ID, &stdout, &stderr)
	}()

	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error
	go func() {
		defer close(waitDone)
		state, waitErr = d.wait(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		<-tailDone
	case <-ctx.Done():
		d.l.Warn("container timed out; killing", "id", resp.ID)
		if err := d.destroy(context.Background(), resp.ID); err != nil {
			d.l.Error("failed to destroy container", "id", resp.ID, "error", err)
		}
		<-waitDone
		<-tailDone
		return nil, ErrTimedOut
	}

	if waitErr != nil {
		return nil, waitErr
	}

	res := &RunResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: state.ExitCode}
	if state.OOMKilled {
		return res, ErrOOMKilled
	}
	return res, nil
}

func (d *dockerRuntime) wait(ctx context.Context, id string) (*container.State, error) {
	wait, errCh := d.docker.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := d.docker.ContainerInspect(ctx, id)
	if err != nil {
		return nil, err
	}
	return info.State, nil
}

func (d *dockerRuntime) tail(ctx context.Context, id string, stdout, stderr io.Writer) error {
	logs, err := d.docker.ContainerLogs(ctx, id, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(stdout, stderr, logs)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}
	return nil
}

func (d *dockerRuntime) destroy(ctx context.Context, id string) error {
	err := d.docker.ContainerKill(ctx, id, "9")
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := d.docker.ContainerRemove(ctx, id, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}
	return nil
}

// Extract copies src out of a (never started) container of img into dest.
func (d *dockerRuntime) Extract(ctx context.Context, img, src, dest string) error {
	resp, err := d.docker.ContainerCreate(ctx, &container.Config{Image: img}, nil, nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	defer d.destroy(context.Background(), resp.ID)

	rc, _, err := d.docker.CopyFromContainer(ctx, resp.ID, src)
	if err != nil {
		return fmt.Errorf("copying %s from %s: %w", src, img, err)
	}
	defer rc.Close()

	return untar(rc, dest)
}

// untar unpacks a docker copy archive. A single file archive is written to
// dest itself unless dest is an existing directory.
func untar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	first := true
	single := false
	var root string

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if first {
			first = false
			root = hdr.Name
			fi, statErr := os.Stat(dest)
			single = hdr.Typeflag == tar.TypeReg && (statErr != nil || !fi.IsDir())
		}

		var to string
		switch {
		case single:
			to = dest
		default:
			rel := strings.TrimPrefix(hdr.Name, strings.TrimSuffix(root, "/"))
			to = filepath.Join(dest, filepath.Base(strings.TrimSuffix(root, "/")), filepath.FromSlash(rel))
		}
		if !strings.HasPrefix(filepath.Clean(to), filepath.Clean(dest)) {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(to, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, to); err != nil {
				return err
			}
		}
	}
}

func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
