package config

import (
	"os"
	"sync"
)

const dockerHostGateway = "host.docker.internal"

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker returns true if the process runs inside a Docker container.
// Detection is based on the presence of /.dockerenv. The result is cached.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// resolveHost maps loopback hosts to the Docker host gateway when inDocker is set,
// so a containerised server reaches Postgres and Redis running on the host machine.
func resolveHost(host string, inDocker bool) string {
	if !inDocker {
		return host
	}
	if host == "localhost" || host == "127.0.0.1" {
		return dockerHostGateway
	}
	return host
}

// resolveServiceHosts rewrites the database and Redis hosts for Docker.
func (c *Config) resolveServiceHosts(inDocker bool) {
	c.Database.Host = resolveHost(c.Database.Host, inDocker)
	if c.Redis.Host != "" {
		c.Redis.Host = resolveHost(c.Redis.Host, inDocker)
	}
}
