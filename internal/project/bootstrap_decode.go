package project

import (
	"time"

	"github.com/castra-project/castra/internal/diag"
)

func decodeBootstrap(raw rawBootstrap) (BootstrapConfig, error) {
	mode := BootstrapMode(raw.Mode)
	if mode == "" {
		mode = BootstrapAuto
	}
	if mode != BootstrapSkip && mode != BootstrapAuto && mode != BootstrapAlways {
		return BootstrapConfig{}, diag.New(diag.KindInvalidConfig, "unknown bootstrap mode %q", raw.Mode)
	}

	timeout := 120 * time.Second
	if raw.HandshakeTimeoutSecs != nil {
		if *raw.HandshakeTimeoutSecs <= 0 {
			return BootstrapConfig{}, diag.New(diag.KindInvalidConfig, "bootstrap handshake_timeout_secs must be > 0")
		}
		timeout = time.Duration(*raw.HandshakeTimeoutSecs) * time.Second
	}

	return BootstrapConfig{
		Mode:             mode,
		HandshakeTimeout: timeout,
		RemoteDir:        raw.RemoteDir,
		Env:              raw.Env,
		Script:           raw.Script,
		Payload:          raw.Payload,
		VerifyCommand:    raw.VerifyCommand,
		VerifyPath:       raw.VerifyPath,
	}, nil
}

// validateBootstrap enforces a non-empty remote_dir, a positive
// handshake timeout (already checked in decodeBootstrap), and a
// non-empty script whenever the mode would actually run one.
func validateBootstrap(cfg BootstrapConfig, context string) error {
	if cfg.RemoteDir == "" {
		return diag.New(diag.KindInvalidConfig, "%s: bootstrap remote_dir must not be empty", context)
	}
	if cfg.Mode != BootstrapSkip && cfg.Script == "" {
		return diag.New(diag.KindInvalidConfig, "%s: bootstrap script must not be empty unless mode is skip", context)
	}
	return nil
}
