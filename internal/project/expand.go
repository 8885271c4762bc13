package project

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/castra-project/castra/internal/diag"
)

var replicaIDPattern = regexp.MustCompile(`^(.+)-([0-9]+)$`)

// parseReplicaID splits "<role>-<index>" and rejects canonically invalid
// forms: the index must be written without leading zeros.
func parseReplicaID(id string) (role string, index int, err error) {
	m := replicaIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", 0, diag.New(diag.KindInvalidConfig, "instance id %q must have the form <role>-<index>", id)
	}
	role, digits := m[1], m[2]
	if len(digits) > 1 && digits[0] == '0' {
		return "", 0, diag.New(diag.KindInvalidConfig, "instance id %q has leading zeros in its index", id)
	}
	idx, convErr := strconv.Atoi(digits)
	if convErr != nil {
		return "", 0, diag.New(diag.KindInvalidConfig, "instance id %q has a non-numeric index", id)
	}
	return role, idx, nil
}

// roleSeed is the role-level data before replica expansion, already
// merged with the project's defaults where applicable.
type roleSeed struct {
	name         string
	description  string
	baseImage    string
	overlay      string
	cpus         int
	memory       string
	count        int
	portForwards []rawPortForward
	bootstrap    rawBootstrap
	instances    []rawInstance
	schema       SchemaKind
}

// SchemaKind mirrors manifest.SchemaClass without importing manifest, to
// keep this package's public surface self-contained.
type SchemaKind int

const (
	SchemaLegacy SchemaKind = iota
	SchemaMulti
	SchemaForward
)

// expandRole produces the VMs for a single [[vms]] entry, applying
// replica expansion and instance overrides.
func expandRole(seed roleSeed, projectRoot, stateRoot, projectName string, globalBootstrap BootstrapConfig, warnings *[]string) ([]VM, error) {
	count := seed.count
	if count < 0 {
		return nil, diag.New(diag.KindInvalidConfig, "vm %q: count must be >= 0", seed.name)
	}
	if count == 0 {
		return nil, diag.New(diag.KindInvalidConfig, "vm %q: count=0 is not allowed", seed.name)
	}
	if count > 1 && seed.schema == SchemaLegacy {
		return nil, diag.New(diag.KindInvalidConfig, "vm %q: count>1 requires the multi-instance (0.2) schema", seed.name)
	}

	if len(seed.instances) > 0 && seed.schema == SchemaLegacy {
		return nil, diag.New(diag.KindInvalidConfig, "vm %q: replica instance overrides require the multi-instance (0.2) schema", seed.name)
	}

	overridesByIndex := make(map[int]rawInstance)
	for _, inst := range seed.instances {
		role, idx, err := parseReplicaID(inst.ID)
		if err != nil {
			return nil, err
		}
		if role != seed.name {
			return nil, diag.New(diag.KindInvalidConfig, "instance id %q does not belong to vm %q", inst.ID, seed.name)
		}
		if idx < 0 || idx >= count {
			return nil, diag.New(diag.KindInvalidConfig, "instance id %q is out of range for count=%d", inst.ID, count)
		}
		if _, dup := overridesByIndex[idx]; dup {
			return nil, diag.New(diag.KindInvalidConfig, "instance id %q is declared more than once", inst.ID)
		}
		overridesByIndex[idx] = inst
	}

	vms := make([]VM, 0, count)
	for i := 0; i < count; i++ {
		name := seed.name
		if seed.schema != SchemaLegacy {
			name = fmt.Sprintf("%s-%d", seed.name, i)
		}

		cpus := seed.cpus
		memoryRaw := seed.memory
		baseImageRaw := seed.baseImage
		overlayRaw := seed.overlay
		description := seed.description
		bootstrapRaw := seed.bootstrap
		overlayInherited := true

		if override, ok := overridesByIndex[i]; ok {
			if override.CPUs != nil {
				cpus = *override.CPUs
			}
			if override.Memory != "" {
				memoryRaw = override.Memory
			}
			if override.BaseImage != "" {
				baseImageRaw = override.BaseImage
			}
			if override.Overlay != "" {
				overlayRaw = override.Overlay
				overlayInherited = false
			}
			if override.Description != "" {
				description = override.Description
			}
			if override.Bootstrap != nil {
				bootstrapRaw = mergeRawBootstrap(bootstrapRaw, *override.Bootstrap)
			}
		}

		if cpus < 1 {
			return nil, diag.New(diag.KindInvalidConfig, "vm %q: cpus must be >= 1", name)
		}

		mem, err := ParseMemory(memoryRaw)
		if err != nil {
			return nil, err
		}

		forwards, err := resolvePortForwards(seed.portForwards, name)
		if err != nil {
			return nil, err
		}

		overlay := resolveOverlay(overlayRaw, stateRoot)
		if overlay == "" {
			overlay = defaultOverlayPath(stateRoot, seed.name, projectName)
		}
		if overlayInherited {
			overlay = suffixReplicaOverlay(overlay, i)
		}

		bootstrapCfg, err := decodeBootstrap(bootstrapRaw)
		if err != nil {
			return nil, err
		}
		// decodeBootstrap fills defaults for an unset mode and timeout; clear
		// them so Merge keeps the project-wide values instead.
		if bootstrapRaw.Mode == "" {
			bootstrapCfg.Mode = ""
		}
		if bootstrapRaw.HandshakeTimeoutSecs == nil {
			bootstrapCfg.HandshakeTimeout = 0
		}
		bootstrapCfg = globalBootstrap.Merge(bootstrapCfg)

		vms = append(vms, VM{
			Name:         name,
			RoleName:     seed.name,
			ReplicaIndex: i,
			BaseImage:    resolveBaseImage(baseImageRaw, projectRoot, stateRoot),
			Overlay:      overlay,
			CPUs:         cpus,
			Memory:       mem,
			PortForwards: forwards,
			Bootstrap:    bootstrapCfg,
			Description:  description,
		})
	}

	return vms, nil
}

// resolvePortForwards validates raw port forwards for one VM. Duplicate
// (guest_port, protocol) pairs are a warning, not an error; callers
// collect that warning separately via DuplicateGuestForwards.
func resolvePortForwards(raws []rawPortForward, vmName string) ([]PortForward, error) {
	out := make([]PortForward, 0, len(raws))
	for _, r := range raws {
		if r.Host == 0 {
			return nil, diag.New(diag.KindInvalidConfig, "vm %q: port_forwards host must not be 0", vmName)
		}
		if r.Guest == 0 {
			return nil, diag.New(diag.KindInvalidConfig, "vm %q: port_forwards guest must not be 0", vmName)
		}
		proto := Protocol(strings.ToLower(r.Protocol))
		if proto == "" {
			proto = ProtocolTCP
		}
		if proto != ProtocolTCP && proto != ProtocolUDP {
			return nil, diag.New(diag.KindInvalidConfig, "vm %q: unknown protocol %q", vmName, r.Protocol)
		}
		out = append(out, PortForward{HostPort: r.Host, GuestPort: r.Guest, Protocol: proto})
	}
	return out, nil
}

// DuplicateGuestForwards reports (guest_port, protocol) pairs declared
// more than once within a single VM. Duplicates are surfaced to the
// operator but never fail the load.
func DuplicateGuestForwards(forwards []PortForward) []string {
	counts := make(map[string]int)
	for _, f := range forwards {
		key := fmt.Sprintf("%d/%s", f.GuestPort, f.Protocol)
		counts[key]++
	}
	var dups []string
	for k, c := range counts {
		if c > 1 {
			dups = append(dups, k)
		}
	}
	return dups
}

func mergeRawBootstrap(base, override rawBootstrap) rawBootstrap {
	out := base
	if override.Mode != "" {
		out.Mode = override.Mode
	}
	if override.HandshakeTimeoutSecs != nil {
		out.HandshakeTimeoutSecs = override.HandshakeTimeoutSecs
	}
	if override.RemoteDir != "" {
		out.RemoteDir = override.RemoteDir
	}
	if override.Script != "" {
		out.Script = override.Script
	}
	if override.Payload != "" {
		out.Payload = override.Payload
	}
	if override.VerifyCommand != "" {
		out.VerifyCommand = override.VerifyCommand
	}
	if override.VerifyPath != "" {
		out.VerifyPath = override.VerifyPath
	}
	if len(override.Env) > 0 {
		env := make(map[string]string, len(base.Env)+len(override.Env))
		for k, v := range base.Env {
			env[k] = v
		}
		for k, v := range override.Env {
			env[k] = v
		}
		out.Env = env
	}
	return out
}
