// Package security masks credentials in spawn command lines before they
// reach logs or the state file.
package security

import (
	"regexp"
	"strings"
)

const (
	secretWord  = `(?:token|secret|password|passwd|api[_-]?key|access[_-]?key)`
	secretValue = `(?:"(?:[^"\\]|\\.)*"|'[^']*'|[^\s"']+)`
)

var (
	// GITHUB_TOKEN=... and friends prefixed to the command.
	envAssignPattern = regexp.MustCompile(`(?i)\b([a-z0-9_]*` + secretWord + `[a-z0-9_]*)=` + secretValue)
	// --password hunter2, --api-key=abc
	flagPattern = regexp.MustCompile(`(?i)(--?[a-z0-9-]*` + secretWord + `[a-z0-9-]*)(=|\s+)` + secretValue)
	// curl -H 'Authorization: Bearer ...'
	headerPattern        = regexp.MustCompile(`(?i)((?:authorization|x-api-key)\s*:\s*)(?:(?:bearer|basic|token)\s+)?[^\s"']+`)
	urlCredentialPattern = regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://)[^\s/@:]+:[^\s/@]+@`)
)

// RedactCommand masks secrets in a spawn command line. The command's shape
// survives so the log still says what ran.
func RedactCommand(command string) string {
	out := strings.TrimSpace(command)
	if out == "" {
		return ""
	}
	out = headerPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = envAssignPattern.ReplaceAllString(out, `${1}=[REDACTED]`)
	out = flagPattern.ReplaceAllString(out, `${1}${2}[REDACTED]`)
	return urlCredentialPattern.ReplaceAllString(out, `${1}[REDACTED]@`)
}
