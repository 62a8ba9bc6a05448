// Package procfile resolves the start command for a process type from the
// manifests shipped inside a slug.
package procfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

const (
	// PrimaryManifest maps process types to commands.
	PrimaryManifest = "Procfile"
	// FallbackManifest carries buildpack defaults under default_process_types.
	FallbackManifest = ".release"
	// InteractiveShell is run instead of a manifest command when a shell is requested.
	InteractiveShell = "/bin/bash"
)

// ErrNotFound means neither manifest declares the requested process type.
var ErrNotFound = errors.New("command not found")

// ResolveError wraps manifest and lookup failures.
type ResolveError struct {
	Role string
	File string
	Err  error
}

func (e *ResolveError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("resolve %q from %s: %v", e.Role, e.File, e.Err)
	}
	return fmt.Sprintf("resolve %q: %v", e.Role, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// Command is a resolved start command.
type Command struct {
	Line        string
	Interactive bool
	// Source names the manifest the command came from; empty for the shell.
	Source string
}

type release struct {
	DefaultProcessTypes map[string]string `yaml:"default_process_types"`
}

// Resolve returns the command for role. The Procfile takes precedence over
// .release; interactive bypasses both.
func Resolve(dir, role string, interactive bool) (Command, error) {
	if interactive {
		return Command{Line: InteractiveShell, Interactive: true}, nil
	}

	procs, err := readProcfile(dir)
	if err != nil {
		return Command{}, &ResolveError{Role: role, File: PrimaryManifest, Err: err}
	}
	if line, ok := procs[role]; ok {
		return Command{Line: line, Source: PrimaryManifest}, nil
	}

	defaults, err := readRelease(dir)
	if err != nil {
		return Command{}, &ResolveError{Role: role, File: FallbackManifest, Err: err}
	}
	if line, ok := defaults[role]; ok {
		return Command{Line: line, Source: FallbackManifest}, nil
	}

	return Command{}, &ResolveError{Role: role, Err: ErrNotFound}
}

// Roles lists every process type declared by either manifest, sorted.
func Roles(dir string) ([]string, error) {
	seen := make(map[string]bool)

	procs, err := readProcfile(dir)
	if err != nil {
		return nil, err
	}
	defaults, err := readRelease(dir)
	if err != nil {
		return nil, err
	}
	for role := range procs {
		seen[role] = true
	}
	for role := range defaults {
		seen[role] = true
	}

	roles := make([]string, 0, len(seen))
	for role := range seen {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles, nil
}

func readProcfile(dir string) (map[string]string, error) {
	data, err := readOptional(filepath.Join(dir, PrimaryManifest))
	if data == nil || err != nil {
		return nil, err
	}
	procs := make(map[string]string)
	if err := yaml.Unmarshal(data, &procs); err != nil {
		return nil, err
	}
	return procs, nil
}

func readRelease(dir string) (map[string]string, error) {
	data, err := readOptional(filepath.Join(dir, FallbackManifest))
	if data == nil || err != nil {
		return nil, err
	}
	var rel release
	if err := yaml.Unmarshal(data, &rel); err != nil {
		return nil, err
	}
	return rel.DefaultProcessTypes, nil
}

// readOptional returns nil, nil when path does not exist.
func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}
