package process

import (
	"os"
	"strings"
)

// internalEnvPrefix marks broker-internal variables that must never leak
// into a spawned agent CLI. This covers BEAMCODE_SESSION, which a CLI
// would read as "I am already running inside a broker session" and
// short-circuit itself.
const internalEnvPrefix = "BEAMCODE_"

// buildEnv assembles a child environment from the inherited one. Deny-list
// keys and broker internals are stripped, explicit custom entries override
// inherited values, and configured extras are appended last.
func buildEnv(custom map[string]string, denyList, extra []string) []string {
	denied := make(map[string]struct{}, len(denyList))
	for _, key := range denyList {
		denied[key] = struct{}{}
	}

	inherited := os.Environ()
	env := make([]string, 0, len(inherited)+len(custom)+len(extra))
	for _, entry := range inherited {
		eq := strings.IndexByte(entry, '=')
		if eq <= 0 {
			continue
		}
		key := entry[:eq]
		if strings.HasPrefix(key, internalEnvPrefix) {
			continue
		}
		if _, ok := denied[key]; ok {
			continue
		}
		if _, ok := custom[key]; ok {
			continue
		}
		env = append(env, entry)
	}
	for key, value := range custom {
		env = append(env, key+"="+value)
	}
	return append(env, extra...)
}
