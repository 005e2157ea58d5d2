package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CredentialsWarning reports missing credentials outside container mode.
// The supervisor logs it and keeps going; the first real run will surface
// the authentication failure to the user.
type CredentialsWarning struct {
	Backend string
	Detail  string
}

func (w *CredentialsWarning) Error() string {
	return fmt.Sprintf("backend %s: %s", w.Backend, w.Detail)
}

// IsCredentialsWarning reports whether err is a non-fatal credentials
// warning.
func IsCredentialsWarning(err error) bool {
	var w *CredentialsWarning
	return errors.As(err, &w)
}

// missingCredentials returns a hard error in container mode and a warning
// otherwise.
func missingCredentials(name, detail string, containerMode bool) error {
	if containerMode {
		return fmt.Errorf("backend %s: %s (container mode requires credentials at startup)", name, detail)
	}
	return &CredentialsWarning{Backend: name, Detail: detail}
}

// homeFileExists checks for a file relative to the user's home directory.
func homeFileExists(rel string) bool {
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(home, rel))
	return err == nil && !info.IsDir()
}

// envAny reports whether any of the keys is set and non-empty.
func envAny(keys ...string) bool {
	for _, k := range keys {
		if os.Getenv(k) != "" {
			return true
		}
	}
	return false
}
