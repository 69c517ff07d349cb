package toolchain

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/client"
)

var (
	sharedClient *client.Client
	clientOnce   sync.Once
	clientErr    error
)

// dockerClient returns a process-wide Docker client. Callers must not Close
// it.
func dockerClient() (*client.Client, error) {
	clientOnce.Do(func() {
		opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if os.Getenv("DOCKER_HOST") == "" {
			if sock := findDockerSocket(); sock != "" {
				opts = append(opts, client.WithHost("unix://"+sock))
			}
		}
		sharedClient, clientErr = client.NewClientWithOpts(opts...)
	})
	return sharedClient, clientErr
}

// findDockerSocket returns the first existing socket among the usual Docker
// Engine, Docker Desktop and Colima locations, or "".
func findDockerSocket() string {
	candidates := []string{"/var/run/docker.sock"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".docker", "run", "docker.sock"),
			filepath.Join(home, ".colima", "default", "docker.sock"),
		)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
