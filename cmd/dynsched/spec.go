package main

import (
	"fmt"
	"os"

	"github.com/cuemby/dynsched/pkg/types"
	"gopkg.in/yaml.v3"
)

// loadServiceSpec reads a YAML service spec and builds a fresh context
// from it
func loadServiceSpec(path string, defaultPort int) (*types.TrackedServiceContext, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service spec: %w", err)
	}

	var spec types.ServiceSpec
	if err := yaml.Unmarshal(content, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse service spec %s: %w", path, err)
	}
	if spec.Port == 0 {
		spec.Port = defaultPort
	}

	svc, err := types.NewTrackedServiceContext(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid service spec %s: %w", path, err)
	}
	return svc, nil
}
