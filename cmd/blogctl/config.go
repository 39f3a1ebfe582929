package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/eringen/kvblog"
)

// environment is one deployment target in the environments file.
type environment struct {
	BaseURL string `json:"baseUrl"`
	Issuer  string `json:"issuer"`
}

// loadEnvironments reads a JSONC file mapping environment names to targets:
//
//	{
//	  // live site
//	  "production": {"baseUrl": "https://blog.example.com"},
//	  "preview":    {"baseUrl": "https://preview.blog.example.com"},
//	}
//
// A missing file is not an error.
func loadEnvironments(path string) (map[string]environment, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]environment{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var envs map[string]environment
	if err := json.Unmarshal(jsonc.ToJSON(data), &envs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if envs == nil {
		envs = map[string]environment{}
	}
	return envs, nil
}

// resolveTarget picks the API base and token issuer for name. BLOG_API_BASE
// and JWT_ISSUER override the file.
func resolveTarget(envs map[string]environment, name string) (environment, error) {
	if name != "production" && name != "preview" {
		return environment{}, fmt.Errorf("unknown environment %q (want production or preview)", name)
	}
	target := envs[name]
	target.BaseURL = strings.TrimRight(kvblog.EnvOr("BLOG_API_BASE", target.BaseURL), "/")
	target.Issuer = kvblog.EnvOr("JWT_ISSUER", target.Issuer)
	if target.BaseURL == "" {
		return environment{}, fmt.Errorf("no API base URL for %s: set BLOG_API_BASE or add it to the environments file", name)
	}
	return target, nil
}
