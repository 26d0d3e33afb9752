// Package pathutil resolves configured paths and confines derived paths to
// their root directory.
package pathutil

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Expand substitutes $VARS and a leading "~" then cleans the result. An
// empty or blank path stays empty so callers can apply their own default.
func Expand(path string) (string, error) {
	p := os.ExpandEnv(strings.TrimSpace(path))
	if p == "" {
		return "", nil
	}
	rest, ok := strings.CutPrefix(p, "~")
	if !ok || (rest != "" && rest[0] != '/' && rest[0] != filepath.Separator) {
		// "~user/x" is left alone.
		return filepath.Clean(p), nil
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, rest), nil
}

// homeDir prefers $HOME, then the passwd entry. A $HOME that is itself
// "~..." is treated as unset.
func homeDir() (string, error) {
	usable := func(h string) bool {
		h = strings.TrimSpace(h)
		return h != "" && !strings.HasPrefix(h, "~")
	}
	if h, err := os.UserHomeDir(); err == nil && usable(h) {
		return strings.TrimSpace(h), nil
	}
	if u, err := user.Current(); err == nil && usable(u.HomeDir) {
		return strings.TrimSpace(u.HomeDir), nil
	}
	return "", errors.New("cannot resolve home directory: set HOME")
}
