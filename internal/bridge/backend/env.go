package backend

import "strings"

// passEnvKeys are base environment keys forwarded to every CLI child.
// Everything else in the bridge's environment, in particular BRIDGE_* and
// gateway credentials, is withheld.
var passEnvKeys = map[string]bool{
	"PATH":     true,
	"HOME":     true,
	"USER":     true,
	"SHELL":    true,
	"TERM":     true,
	"LANG":     true,
	"TMPDIR":   true,
	"NO_PROXY": true,
}

// passEnvPrefixes are forwarded by prefix.
var passEnvPrefixes = []string{"LC_", "XDG_"}

// filterEnv keeps allowlisted base keys plus any backend-specific extras.
func filterEnv(base []string, extraKeys ...string) []string {
	extras := make(map[string]bool, len(extraKeys))
	for _, k := range extraKeys {
		extras[k] = true
	}

	var out []string
	for _, kv := range base {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key := kv[:eq]
		if passEnvKeys[key] || extras[key] {
			out = append(out, kv)
			continue
		}
		for _, prefix := range passEnvPrefixes {
			if strings.HasPrefix(key, prefix) {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}

// sessionEnv renders the bridge's session identifiers for the child.
func sessionEnv(cfg SessionConfig) []string {
	env := []string{"BRIDGE_SESSION_ID=" + cfg.SessionID}
	if cfg.TaskID != "" {
		env = append(env, "BRIDGE_TASK_ID="+cfg.TaskID)
	}
	if cfg.UserID != "" {
		env = append(env, "BRIDGE_USER_ID="+cfg.UserID)
	}
	return env
}
