package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/martinal/instant/cache"
	"github.com/matgreaves/run/onexit"
)

// Docker builds inside a container. The image must provide swig, a C++
// compiler and the Python headers of the interpreter that will load the
// extension. The cache directory and every host directory named in Options
// are bind-mounted at their host paths, so no path translation is needed.
type Docker struct {
	Image string
	// Pull pulls Image when the daemon does not have it.
	Pull bool
	// PythonIncludes are header directories inside the image. When empty,
	// python3-config is asked inside the container.
	PythonIncludes []string

	Options Options
}

type dockerInputs struct {
	Image          string   `msgpack:"image"`
	PythonIncludes []string `msgpack:"python_includes"`
	Options        Options  `msgpack:"options"`
}

// Describe resolves the image to its content ID, so that rebuilding or
// retagging the image invalidates cached artifacts.
func (d Docker) Describe(ctx context.Context) (cache.Description, error) {
	if d.Image == "" {
		return cache.Description{}, errors.New("docker toolchain: no image configured")
	}
	cli, err := dockerClient()
	if err != nil {
		return cache.Description{}, fmt.Errorf("docker client: %w", err)
	}
	id, err := d.ensureImage(ctx, cli)
	if err != nil {
		return cache.Description{}, err
	}
	return cache.Description{
		Name:    "docker",
		Version: id,
		Inputs: dockerInputs{
			Image:          d.Image,
			PythonIncludes: d.PythonIncludes,
			Options:        d.Options,
		},
	}, nil
}

func (d Docker) ensureImage(ctx context.Context, cli *client.Client) (string, error) {
	inspect, _, err := cli.ImageInspectWithRaw(ctx, d.Image)
	if err == nil {
		return inspect.ID, nil
	}
	if !client.IsErrNotFound(err) || !d.Pull {
		return "", fmt.Errorf("docker inspect %s: %w", d.Image, err)
	}

	rc, err := cli.ImagePull(ctx, d.Image, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("docker pull %s: %w", d.Image, err)
	}
	// The pull isn't done until the response body is fully read.
	_, err = io.Copy(io.Discard, rc)
	rc.Close()
	if err != nil {
		return "", fmt.Errorf("docker pull %s: read response: %w", d.Image, err)
	}

	inspect, _, err = cli.ImageInspectWithRaw(ctx, d.Image)
	if err != nil {
		return "", fmt.Errorf("docker inspect %s: %w", d.Image, err)
	}
	return inspect.ID, nil
}

// Script returns the shell script the container runs for job.
func (d Docker) Script(job cache.Job) string {
	includes := d.PythonIncludes
	swigArgs, cxxArgs := commandLines(job, d.Options, includes, "linux")
	swigCmd := shellescape.QuoteCommand(append([]string{"swig"}, swigArgs...))
	cxxCmd := shellescape.QuoteCommand(append([]string{"c++"}, cxxArgs...))
	if len(includes) == 0 {
		// Python headers are discovered in the image at build time.
		cxxCmd += ` $(python3-config --includes)`
	}
	var b strings.Builder
	b.WriteString("set -e\n")
	for _, cmd := range []string{swigCmd, cxxCmd} {
		fmt.Fprintf(&b, "echo %s\n%s\n", shellescape.Quote("$ "+cmd), cmd)
	}
	return b.String()
}

// Build runs Script in a fresh container and removes the container
// afterwards.
func (d Docker) Build(ctx context.Context, job cache.Job) (cache.BuildOutput, error) {
	out := cache.BuildOutput{Artifact: job.Artifact, ExitCode: -1}
	var log logBuffer

	cli, err := dockerClient()
	if err != nil {
		return out, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return out, fmt.Errorf("cannot connect to Docker daemon (is Docker running?): %w", err)
	}
	if _, err := d.ensureImage(ctx, cli); err != nil {
		return out, err
	}

	config := &container.Config{
		Image:      d.Image,
		Cmd:        []string{"sh", "-c", d.Script(job)},
		WorkingDir: job.ScratchDir,
		User:       hostUser(),
	}
	hostConfig := &container.HostConfig{Mounts: d.mounts(job)}

	name := "instant-build-" + job.Module + "-" + shortID(job.BuildID)
	resp, err := cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return out, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	// Backup cleanup in case this process is killed mid-build.
	cancelOnexit, _ := onexit.OnExitF("docker rm -f %s", shellescape.Quote(containerID))
	defer func() {
		// The build ctx may already be cancelled.
		cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true}) //nolint:errcheck
		if cancelOnexit != nil {
			cancelOnexit()
		}
	}()

	if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return out, fmt.Errorf("start container: %w", err)
	}

	logReader, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return out, fmt.Errorf("attach logs: %w", err)
	}
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		stdcopy.StdCopy(&log, &log, logReader) //nolint:errcheck
		logReader.Close()
	}()

	waitCh, errCh := cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case result := <-waitCh:
		<-logDone
		out.Log = log.Bytes()
		out.ExitCode = int(result.StatusCode)
		if result.StatusCode != 0 {
			return out, fmt.Errorf("container exited with code %d", result.StatusCode)
		}
		return out, nil
	case err := <-errCh:
		<-logDone
		out.Log = log.Bytes()
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("container wait: %w", err)
	case <-ctx.Done():
		out.Log = log.Bytes()
		return out, ctx.Err()
	}
}

// mounts binds the cache directory read-write and every other directory the
// build reads from read-only, each at its host path.
func (d Docker) mounts(job cache.Job) []mount.Mount {
	mounts := []mount.Mount{{Type: mount.TypeBind, Source: job.Dir, Target: job.Dir}}
	seen := map[string]bool{job.Dir: true}

	var dirs []string
	dirs = append(dirs, d.Options.IncludeDirs...)
	dirs = append(dirs, d.Options.LibraryDirs...)
	for _, src := range d.Options.Sources {
		dirs = append(dirs, filepath.Dir(src))
	}
	slices.Sort(dirs)
	for _, dir := range dirs {
		if !filepath.IsAbs(dir) || seen[dir] || within(dir, job.Dir) {
			continue
		}
		seen[dir] = true
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: dir, Target: dir, ReadOnly: true})
	}
	return mounts
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && filepath.IsLocal(rel)
}

// hostUser makes files created in bind mounts belong to the calling user.
func hostUser() string {
	if runtime.GOOS == "windows" {
		return ""
	}
	return fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
