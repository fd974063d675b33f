package detach

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ferry-ci/ferry/internal/run"
)

const ProfileSchemaV1 = "ferry.detach.v1"

// Profile is the YAML description of one detachable build step: which
// server to report to, what to run, and how to hand the payload off.
type Profile struct {
	Schema string            `yaml:"schema"`
	Server ServerProfile     `yaml:"server"`
	Build  BuildProfile      `yaml:"build"`
	Env    map[string]string `yaml:"env,omitempty"`
	Invoke InvokeProfile     `yaml:"invoke"`
}

type ServerProfile struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type BuildProfile struct {
	ID          string `yaml:"id"`
	DirectoryID string `yaml:"directory_id"`
	ScriptFile  string `yaml:"script_file"`
}

type InvokeProfile struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

func ParseProfile(input []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(input, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

func (p Profile) Validate() error {
	if strings.TrimSpace(p.Schema) != ProfileSchemaV1 {
		return fmt.Errorf("profile.schema must be %q", ProfileSchemaV1)
	}
	if strings.TrimSpace(p.Server.URL) == "" {
		return errors.New("profile.server.url is required")
	}
	if strings.TrimSpace(p.Build.ID) == "" {
		return errors.New("profile.build.id is required")
	}
	if strings.TrimSpace(p.Build.DirectoryID) == "" {
		return errors.New("profile.build.directory_id is required")
	}
	if strings.TrimSpace(p.Build.ScriptFile) == "" {
		return errors.New("profile.build.script_file is required")
	}
	if strings.TrimSpace(p.Invoke.Command) == "" {
		return errors.New("profile.invoke.command is required")
	}
	return nil
}

// Details assembles the run details for this profile, reading the
// script file (relative paths resolve against baseDir).
func (p Profile) Details(baseDir string) (run.Details, error) {
	scriptPath := p.Build.ScriptFile
	if !filepath.IsAbs(scriptPath) {
		scriptPath = filepath.Join(baseDir, scriptPath)
	}
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return run.Details{}, fmt.Errorf("read script file: %w", err)
	}

	d := run.Details{
		Username:    p.Server.Username,
		Password:    p.Server.Password,
		BuildID:     p.Build.ID,
		ServerURL:   p.Server.URL,
		Env:         p.Env,
		Script:      string(script),
		DirectoryID: p.Build.DirectoryID,
	}
	if err := d.Validate(); err != nil {
		return run.Details{}, err
	}
	return d, nil
}
