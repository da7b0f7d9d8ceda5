// Package config reads the environment variables formicaio is started
// with into a typed struct.
package config

import (
	"os"

	"github.com/cuemby/formicaio/pkg/ferrors"
)

// Config holds the boot-time environment formicaio was started with.
type Config struct {
	// DBPath is the directory the embedded store file lives under.
	DBPath string

	// NodeMgrRootDir is the root for per-node data directories (native backend).
	NodeMgrRootDir string

	// DockerSocketPath is the Unix socket for the containerized backend.
	DockerSocketPath string

	// ContainerImageName/Tag select the node image for the containerized backend.
	ContainerImageName string
	ContainerImageTag  string
}

// FromEnv reads the process environment. DB_PATH is required; everything
// else has a usable default.
func FromEnv() (Config, error) {
	cfg := Config{
		DBPath:             os.Getenv("DB_PATH"),
		NodeMgrRootDir:     os.Getenv("NODE_MGR_ROOT_DIR"),
		DockerSocketPath:   os.Getenv("DOCKER_SOCKET_PATH"),
		ContainerImageName: os.Getenv("NODE_CONTAINER_IMAGE_NAME"),
		ContainerImageTag:  os.Getenv("NODE_CONTAINER_IMAGE_TAG"),
	}

	if cfg.DBPath == "" {
		return Config{}, &ferrors.ConfigError{Msg: "DB_PATH is required"}
	}
	if cfg.NodeMgrRootDir == "" {
		cfg.NodeMgrRootDir = cfg.DBPath + "/nodes"
	}
	if cfg.DockerSocketPath == "" {
		cfg.DockerSocketPath = "/run/containerd/containerd.sock"
	}
	if cfg.ContainerImageName == "" {
		cfg.ContainerImageName = "formicaio/node"
	}
	if cfg.ContainerImageTag == "" {
		cfg.ContainerImageTag = "latest"
	}

	return cfg, nil
}
