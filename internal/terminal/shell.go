package terminal

import (
	"os"
	"runtime"
	"strings"
)

// DefaultShell returns the shell to run when none is configured.
func DefaultShell() Command {
	if runtime.GOOS == "windows" {
		return Command{Path: "powershell.exe", Args: []string{"-NoLogo", "-NoExit"}}
	}
	for _, sh := range []string{"/bin/bash", "/usr/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return Command{Path: sh}
		}
	}
	return Command{Path: "bash"}
}

// ParseShell turns a configured shell line ("bash --norc") into a Command.
// An empty line yields DefaultShell.
func ParseShell(line string) Command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return DefaultShell()
	}
	return Command{Path: fields[0], Args: fields[1:]}
}

// Identity is the account the shell believes it runs as, independent of
// the server's real user.
type Identity struct {
	User   string
	Home   string
	Prompt string
}

// Env returns base with the identity variables set, replacing any
// existing values. base itself is not modified.
func (id Identity) Env(base []string) []string {
	set := map[string]string{
		"TERM": "xterm-256color",
	}
	if id.User != "" {
		set["USER"] = id.User
		set["LOGNAME"] = id.User
	}
	if id.Home != "" {
		set["HOME"] = id.Home
	}
	if id.Prompt != "" && runtime.GOOS != "windows" {
		set["PS1"] = id.Prompt
	}

	env := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := set[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, key := range []string{"TERM", "USER", "LOGNAME", "HOME", "PS1"} {
		if v, ok := set[key]; ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}
