package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"shellgate/pkg/logx"
)

// ErrInvalidPolicy marks structural policy validation failures. These are
// fatal at startup: the gateway refuses to serve under an invalid policy.
var ErrInvalidPolicy = errors.New("invalid policy")

// Load builds the effective policy from the first existing, parseable source
// path. Sources are tried in order; a missing file moves to the next source, a
// present but unparseable file is skipped with a warning (the contract is
// first existing parseable source wins, and skipping must never be silent).
// If no source yields a document, the hardened defaults apply untouched.
//
// The chosen fragment is merged over Default with restrictive-wins rules;
// merge diagnostics are logged through the supplied handle. The merged policy
// is structurally validated before being returned; validation failure is a
// fatal ErrInvalidPolicy.
func Load(logger *logx.Logger, sources ...string) (Policy, error) {
	if logger == nil {
		logger = logx.NewLogger("policy")
	}

	var (
		fragment *Partial
		origin   string
	)
	for _, src := range sources {
		if src == "" {
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Policy{}, fmt.Errorf("failed to read policy file %s: %w", src, err)
		}

		parsed, err := decodeFragment(src, data)
		if err != nil {
			logger.Warn("Skipping unparseable policy source %s: %v", src, err)
			continue
		}
		fragment = parsed
		origin = src
		break
	}

	merged, diags := Merge(Default(), fragment)
	for _, d := range diags {
		logger.Warn("Policy merge: %s", d.String())
	}

	if err := merged.Validate(); err != nil {
		if origin != "" {
			return Policy{}, fmt.Errorf("policy from %s: %w", origin, err)
		}
		return Policy{}, err
	}

	if origin != "" {
		logger.Info("Policy loaded from %s", origin)
	} else {
		logger.Info("No policy file found; hardened defaults in effect")
	}
	return merged, nil
}

// decodeFragment parses a policy document. Files ending in .json decode as
// JSON; everything else decodes as YAML.
func decodeFragment(src string, data []byte) (*Partial, error) {
	var fragment Partial
	if strings.EqualFold(filepath.Ext(src), ".json") {
		if err := json.Unmarshal(data, &fragment); err != nil {
			return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
		}
		return &fragment, nil
	}
	if err := yaml.Unmarshal(data, &fragment); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	return &fragment, nil
}

// Validate checks the structural schema of a merged policy. Violations wrap
// ErrInvalidPolicy and name the offending field.
func (p Policy) Validate() error {
	if p.Security.MaxCommandLength <= 0 {
		return fmt.Errorf("%w: security.maxCommandLength must be positive, got %d",
			ErrInvalidPolicy, p.Security.MaxCommandLength)
	}
	if p.Security.CommandTimeout <= 0 {
		return fmt.Errorf("%w: security.commandTimeout must be positive, got %d",
			ErrInvalidPolicy, p.Security.CommandTimeout)
	}
	if p.Security.MaxHistorySize < 0 {
		return fmt.Errorf("%w: security.maxHistorySize cannot be negative, got %d",
			ErrInvalidPolicy, p.Security.MaxHistorySize)
	}

	if len(p.Shells) == 0 {
		return fmt.Errorf("%w: no shells configured", ErrInvalidPolicy)
	}
	for d := range p.Shells {
		sc := p.Shells[d]
		if !d.Known() {
			return fmt.Errorf("%w: unknown shell dialect %q", ErrInvalidPolicy, string(d))
		}
		if !sc.PathStyle.Known() {
			return fmt.Errorf("%w: shell %s: unknown pathStyle %q", ErrInvalidPolicy, d, string(sc.PathStyle))
		}
		// An enabled shell without a complete launcher cannot execute anything
		// safely; refuse at startup rather than at first use.
		if sc.Enabled {
			if sc.Command == "" {
				return fmt.Errorf("%w: shell %s is enabled but has no launcher command", ErrInvalidPolicy, d)
			}
			if len(sc.Args) == 0 {
				return fmt.Errorf("%w: shell %s is enabled but has no launcher args", ErrInvalidPolicy, d)
			}
		}
	}

	if p.SSH.Enabled {
		if p.SSH.MaxConcurrentSessions <= 0 {
			return fmt.Errorf("%w: ssh.maxConcurrentSessions must be positive, got %d",
				ErrInvalidPolicy, p.SSH.MaxConcurrentSessions)
		}
		if p.SSH.ConnectTimeout <= 0 {
			return fmt.Errorf("%w: ssh.connectTimeout must be positive, got %d",
				ErrInvalidPolicy, p.SSH.ConnectTimeout)
		}
		if p.SSH.CommandTimeout <= 0 {
			return fmt.Errorf("%w: ssh.commandTimeout must be positive, got %d",
				ErrInvalidPolicy, p.SSH.CommandTimeout)
		}
		if p.SSH.KeepaliveInterval <= 0 {
			return fmt.Errorf("%w: ssh.keepaliveInterval must be positive, got %d",
				ErrInvalidPolicy, p.SSH.KeepaliveInterval)
		}
		if p.SSH.KeepaliveCountMax <= 0 {
			return fmt.Errorf("%w: ssh.keepaliveCountMax must be positive, got %d",
				ErrInvalidPolicy, p.SSH.KeepaliveCountMax)
		}
		if p.SSH.IdleTimeout < 0 {
			return fmt.Errorf("%w: ssh.idleTimeout must not be negative, got %d",
				ErrInvalidPolicy, p.SSH.IdleTimeout)
		}
		for id, cc := range p.SSH.Connections {
			if err := validateConnection(id, cc); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateConnection checks endpoint shape only. Auth material may be absent
// here: it can be supplied interactively at dial time, and the dialer rejects
// connections that end up with no method at all.
func validateConnection(id string, cc ConnectionConfig) error {
	if cc.Host == "" {
		return fmt.Errorf("%w: ssh.connections.%s: host is required", ErrInvalidPolicy, id)
	}
	if cc.Port <= 0 || cc.Port > 65535 {
		return fmt.Errorf("%w: ssh.connections.%s: port %d out of range", ErrInvalidPolicy, id, cc.Port)
	}
	if cc.Username == "" {
		return fmt.Errorf("%w: ssh.connections.%s: username is required", ErrInvalidPolicy, id)
	}
	return nil
}
