package process

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// envMap folds K=V entries into a map, last entry winning, the same way
// exec resolves duplicates.
func envMap(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		if eq := strings.IndexByte(entry, '='); eq > 0 {
			out[entry[:eq]] = entry[eq+1:]
		}
	}
	return out
}

func TestBuildEnvStripsInternalsAndDenyList(t *testing.T) {
	t.Setenv("BEAMCODE_SESSION", "outer-session")
	t.Setenv("BEAMCODE_NATS_URL", "nats://somewhere:4222")
	t.Setenv("SECRET_TOKEN", "shh")
	t.Setenv("KEEP_ME", "kept")

	env := envMap(buildEnv(nil, []string{"SECRET_TOKEN"}, nil))

	assert.NotContains(t, env, "BEAMCODE_SESSION")
	assert.NotContains(t, env, "BEAMCODE_NATS_URL")
	assert.NotContains(t, env, "SECRET_TOKEN")
	assert.Equal(t, "kept", env["KEEP_ME"])
}

func TestBuildEnvCustomOverridesInherited(t *testing.T) {
	t.Setenv("KEEP_ME", "original")

	env := buildEnv(map[string]string{"KEEP_ME": "override", "ADDED": "1"}, nil, nil)

	occurrences := 0
	for _, entry := range env {
		if strings.HasPrefix(entry, "KEEP_ME=") {
			occurrences++
		}
	}
	assert.Equal(t, 1, occurrences)
	assert.Equal(t, "override", envMap(env)["KEEP_ME"])
	assert.Equal(t, "1", envMap(env)["ADDED"])
}

func TestBuildEnvAppendsExtras(t *testing.T) {
	env := buildEnv(nil, nil, []string{"EXTRA_FLAG=on"})
	assert.Equal(t, "EXTRA_FLAG=on", env[len(env)-1])
}
