package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/constants"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/process"
)

// Deps carries the shared infrastructure adapters are built from.
type Deps struct {
	Supervisor *process.Supervisor
	Config     *config.Config
	Catalog    *Catalog
	Log        *logger.Logger
}

// launchFor resolves the launch spec for an adapter name, applying catalog
// overrides on top of the built-in default.
func (d Deps) launchFor(name string, def LaunchSpec) LaunchSpec {
	return d.Catalog.Resolve(name, def)
}

// workDir resolves the working directory for one connection.
func (d Deps) workDir(opts ConnectOptions) string {
	if opts.Cwd != "" {
		return opts.Cwd
	}
	if d.Config != nil {
		return d.Config.Adapters.WorkDir
	}
	return ""
}

// mcpURL is the broker's own MCP endpoint advertised to ACP agents,
// empty when the embedded server is disabled.
func (d Deps) mcpURL() string {
	if d.Config == nil || !d.Config.MCP.Enabled || d.Config.MCP.Port <= 0 {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d/sse", d.Config.MCP.Port)
}

// readinessTimeout bounds the wait for a spawned backend to come up.
func (d Deps) readinessTimeout() time.Duration {
	if d.Config != nil {
		if t := d.Config.Timeouts.ReadinessTimeout(); t > 0 {
			return t
		}
	}
	return constants.ProcessReadinessTimeout
}

// initializeTimeout bounds backend handshakes issued at connect.
func (d Deps) initializeTimeout() time.Duration {
	if d.Config != nil {
		if t := d.Config.Timeouts.InitializeTimeout(); t > 0 {
			return t
		}
	}
	return constants.InitializeTimeout
}

// New builds the named adapter. Unknown names fail with a configuration
// error naming the supported set.
func New(name string, deps Deps) (Adapter, error) {
	switch name {
	case "claude":
		return newClaudeAdapter(deps), nil
	case "agentsdk":
		return newAgentSDKAdapter(deps), nil
	case "acp":
		return newACPAdapter(deps, "acp", LaunchSpec{Command: "acp"}), nil
	case "gemini":
		return newGeminiAdapter(deps), nil
	case "opencode":
		return newOpenCodeAdapter(deps), nil
	case "codex":
		return newCodexAdapter(deps), nil
	default:
		return nil, errs.Configuration("unknown adapter %q (supported: %s)",
			name, strings.Join(Names(), ", "))
	}
}

// Names lists the supported adapter names in stable order.
func Names() []string {
	return []string{"acp", "agentsdk", "claude", "codex", "gemini", "opencode"}
}

// mergeEnv layers per-session env entries over the catalog's.
func mergeEnv(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
