package control

import (
	"strings"

	"mriya/internal/config"

	"github.com/alessio/shellescape"
)

const controlCharsMessage = "command arguments must not contain control characters " +
	"(ASCII 0x00-0x1F or 0x7F, e.g. newline, carriage return, tab, NUL)"

// cacheExports are routed below the volume mount path when it is mounted.
var cacheExports = []struct {
	name   string
	subdir string
}{
	{"CARGO_HOME", "cargo"},
	{"RUSTUP_HOME", "rustup"},
	{"CARGO_TARGET_DIR", "target"},
	{"GOMODCACHE", "go/pkg/mod"},
	{"GOCACHE", "go/build-cache"},
	{"PIP_CACHE_DIR", "pip/cache"},
	{"npm_config_cache", "npm/cache"},
	{"YARN_CACHE_FOLDER", "yarn/cache"},
	{"PNPM_STORE_PATH", "pnpm/store"},
}

// RenderCommand joins argv into one POSIX shell command line, quoting where needed.
func RenderCommand(argv []string) (string, error) {
	if len(argv) == 0 {
		return "", &Error{Kind: KindInvalidCommand, Message: "command must not be empty"}
	}
	for _, arg := range argv {
		if strings.IndexFunc(arg, isControl) >= 0 {
			return "", &Error{Kind: KindInvalidCommand, Message: controlCharsMessage}
		}
	}
	return shellescape.QuoteCommand(argv), nil
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

// RemoteCommand wraps command so it runs in the remote workspace.
// The command itself is not escaped.
func RemoteCommand(cfg config.SyncConfig, command string) string {
	return cachePreamble(cfg) + "cd " + shellescape.Quote(cfg.RemotePath) + " && " + command
}

func cachePreamble(cfg config.SyncConfig) string {
	if !cfg.RouteBuildCaches {
		return ""
	}
	mount := strings.TrimRight(cfg.VolumeMountPath, "/")

	var b strings.Builder
	b.WriteString("if mountpoint -q ")
	b.WriteString(shellescape.Quote(cfg.VolumeMountPath))
	b.WriteString(" 2>/dev/null; then ")

	if cfg.CreateCacheDirectories {
		b.WriteString("mkdir -p")
		for _, export := range cacheExports {
			b.WriteString(" ")
			b.WriteString(shellescape.Quote(mount + "/" + export.subdir))
		}
		b.WriteString("; ")
	}

	for _, export := range cacheExports {
		b.WriteString("export ")
		b.WriteString(export.name)
		b.WriteString("=")
		b.WriteString(shellescape.Quote(mount + "/" + export.subdir))
		b.WriteString("; ")
	}
	b.WriteString("fi; ")
	return b.String()
}
