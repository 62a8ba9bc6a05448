// Package envbuild renders the shell script a slug process is launched with.
package envbuild

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/p-arndt/slugrunner/internal/procfile"
)

const (
	// ProfileDir holds scripts sourced before the workload starts.
	ProfileDir = ".profile.d"

	DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	defaultTerm = "xterm-256color"
)

var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Params describes one launch.
type Params struct {
	Dir      string
	Role     string
	Hostname string
	// Port is the raw ambient PORT value; anything non-numeric becomes 0.
	Port    string
	Extra   []string
	Command procfile.Command
}

// Launch is the rendered script and the only environment the shell starts with.
type Launch struct {
	Script   string
	Env      []string
	Profiles []string
	Port     int
	// Skipped holds the keys of extra tokens that were not exported, either
	// because they had no "=" or because the key is not a shell name.
	Skipped []string
}

// ParsePort converts an ambient PORT value, treating absent, malformed and
// negative values as 0.
func ParsePort(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Build renders the launch script. The shell is started with a cleared
// environment, so every variable the workload sees is exported here.
func Build(p Params) (*Launch, error) {
	profiles, err := Profiles(p.Dir)
	if err != nil {
		return nil, err
	}
	port := ParsePort(p.Port)

	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	export := func(key, value string) {
		line("export %s=%s", shellescape.Quote(key), shellescape.Quote(value))
	}

	line("cd %s || exit 1", shellescape.Quote(p.Dir))
	export("PATH", DefaultPath)
	export("HOME", p.Dir)
	export("APP_DIR", p.Dir)
	export("HOSTNAME", p.Hostname)
	export("PROCESS_TYPE", p.Role)
	export("SLUGRUNNER", "1")
	export("SLUG_SUPERVISED", "true")
	export("PORT", strconv.Itoa(port))

	for _, profile := range profiles {
		line(". %s", shellescape.Quote(profile))
	}

	var skipped []string
	for _, kv := range p.Extra {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !validName.MatchString(key) {
			// export is a special built-in: a bad name would abort the
			// script before exec.
			skipped = append(skipped, key)
			continue
		}
		export(key, value)
	}

	line("exec %s", p.Command.Line)

	env := []string{"PATH=" + DefaultPath}
	if p.Command.Interactive {
		term := os.Getenv("TERM")
		if term == "" {
			term = defaultTerm
		}
		env = append(env, "TERM="+term)
	}

	return &Launch{
		Script:   b.String(),
		Env:      env,
		Profiles: profiles,
		Skipped:  skipped,
		Port:     port,
	}, nil
}

// Profiles returns the executable files directly under dir/.profile.d in
// lexical order.
func Profiles(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), ProfileDir+"/*", doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", ProfileDir, err)
	}
	sort.Strings(matches)

	var profiles []string
	for _, m := range matches {
		path := filepath.Join(dir, filepath.FromSlash(m))
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if isExecutable(info) {
			profiles = append(profiles, path)
		}
	}
	return profiles, nil
}

func isExecutable(info fs.FileInfo) bool {
	return info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
}
