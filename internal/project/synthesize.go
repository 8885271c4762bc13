package project

import (
	"path/filepath"
	"time"
)

// synthesize builds a fallback project: when manifest discovery fails
// and AllowSynthetic holds, emit a single-VM project pinned to the
// default Alpine base image, marked synthetic so downstream components
// (namely `init`) can advise persisting it to disk.
func synthesize(searchRoot string) (*Project, error) {
	const name = "castra"
	stateRoot, err := DefaultStateRoot(name)
	if err != nil {
		return nil, err
	}

	vmName := "devbox"
	overlay := defaultOverlayPath(stateRoot, vmName, name)
	mem, _ := ParseMemory("1024 MiB")

	return &Project{
		ManifestPath:  filepath.Join(searchRoot, ManifestFilename),
		SchemaVersion: "0.2.0",
		Name:          name,
		ProjectRoot:   searchRoot,
		StateRoot:     stateRoot,
		Lifecycle:     DefaultLifecycle(),
		DefaultBootstrap: BootstrapConfig{
			Mode:             BootstrapSkip,
			HandshakeTimeout: 120 * time.Second,
			RemoteDir:        "/opt/castra",
		},
		VMs: []VM{
			{
				Name:      vmName,
				RoleName:  vmName,
				BaseImage: DefaultAlpineImage(DefaultAlpinePath(stateRoot)),
				Overlay:   overlay,
				CPUs:      1,
				Memory:    mem,
				Bootstrap: BootstrapConfig{Mode: BootstrapSkip, RemoteDir: "/opt/castra", HandshakeTimeout: 120 * time.Second},
			},
		},
		Synthetic: true,
	}, nil
}
