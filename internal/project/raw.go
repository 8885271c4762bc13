package project

// rawManifest mirrors the castra.toml logical schema for typed decoding.
// Unknown/legacy-key detection happens separately against the generic
// manifest.Tree before this typed decode runs.
type rawManifest struct {
	Version   string             `toml:"version"`
	Project   rawProject         `toml:"project"`
	Lifecycle rawLifecycle       `toml:"lifecycle"`
	Bootstrap rawBootstrap       `toml:"bootstrap"`
	VMs       []rawVM            `toml:"vms"`
}

type rawProject struct {
	Name     string `toml:"name"`
	StateDir string `toml:"state_dir"`
}

type rawLifecycle struct {
	GracefulShutdownWaitSecs *int64 `toml:"graceful_shutdown_wait_secs"`
	SigtermWaitSecs          *int64 `toml:"sigterm_wait_secs"`
	SigkillWaitSecs          *int64 `toml:"sigkill_wait_secs"`
}

type rawBootstrap struct {
	Mode                 string            `toml:"mode"`
	HandshakeTimeoutSecs *int64            `toml:"handshake_timeout_secs"`
	RemoteDir            string            `toml:"remote_dir"`
	Env                  map[string]string `toml:"env"`
	Script               string            `toml:"script"`
	Payload              string            `toml:"payload"`
	VerifyCommand        string            `toml:"verify_command"`
	VerifyPath           string            `toml:"verify_path"`
}

type rawPortForward struct {
	Host     int    `toml:"host"`
	Guest    int    `toml:"guest"`
	Protocol string `toml:"protocol"`
}

type rawInstance struct {
	ID          string            `toml:"id"`
	CPUs        *int              `toml:"cpus"`
	Memory      string            `toml:"memory"`
	Overlay     string            `toml:"overlay"`
	BaseImage   string            `toml:"base_image"`
	Description string            `toml:"description"`
	Bootstrap   *rawBootstrap     `toml:"bootstrap"`
}

type rawVM struct {
	Name         string           `toml:"name"`
	Description  string           `toml:"description"`
	BaseImage    string           `toml:"base_image"`
	Overlay      string           `toml:"overlay"`
	CPUs         int              `toml:"cpus"`
	Memory       string           `toml:"memory"`
	Count        *int             `toml:"count"`
	PortForwards []rawPortForward `toml:"port_forwards"`
	Bootstrap    *rawBootstrap    `toml:"bootstrap"`
	Instances    []rawInstance    `toml:"instances"`
	ManagedImage map[string]any   `toml:"managed_image"`
}
