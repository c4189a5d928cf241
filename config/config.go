// Package config decodes on-disk container, device, and guest-OS
// configuration blobs into the typed records in package types. The core
// never parses a configuration file format itself; it asks a Decoder,
// which keeps the wire format pluggable the same way the control socket's
// codec is pluggable (SPEC_FULL.md §6).
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cmld/cmld/types"
)

// Decoder turns a configuration blob into a typed ContainerConfig. Swapping
// the concrete Decoder is how the daemon would support an alternate
// on-disk format without touching any caller.
type Decoder interface {
	DecodeContainer(r io.Reader) (types.ContainerConfig, error)
	DecodeDevice(r io.Reader) (types.DeviceConfig, error)
	DecodeGuestOS(r io.Reader) (types.GuestOSConfig, error)
}

// YAMLDecoder is the default Decoder, used for the daemon's own
// configuration fixtures and in tests. Production device/guestos
// descriptors may ship in a signed, length-prefixed binary form instead;
// that decoder lives behind the same interface and is selected by the
// caller, not by this package.
type YAMLDecoder struct{}

var _ Decoder = YAMLDecoder{}

type containerDoc struct {
	UUID           string               `yaml:"uuid"`
	Name           string               `yaml:"name"`
	GuestOS        string               `yaml:"guest_os"`
	RestartPolicy  string               `yaml:"restart_policy"`
	UIDRangeSize   uint32               `yaml:"uid_range_size"`
	CPUQuota       int64                `yaml:"cpu_quota"`
	MemoryLimit    int64                `yaml:"memory_limit"`
	Capabilities   []string             `yaml:"capabilities"`
	SeccompProfile string               `yaml:"seccomp_profile"`
	USBMappings    []usbMappingDoc      `yaml:"usb_mappings"`
	NetMappings    []netMappingDoc      `yaml:"net_mappings"`
	Volumes        []volumeDoc          `yaml:"volumes"`
}

type usbMappingDoc struct {
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`
	Serial    string `yaml:"serial"`
	Kind      string `yaml:"kind"`
	Assign    bool   `yaml:"assign"`
}

type netMappingDoc struct {
	MAC       string `yaml:"mac"`
	Name      string `yaml:"name"`
	MACFilter bool   `yaml:"mac_filter"`
	IPAddr    string `yaml:"ip_addr"`
	IPNetmask string `yaml:"ip_netmask"`
	IPGateway string `yaml:"ip_gateway"`
}

type volumeDoc struct {
	Name      string `yaml:"name"`
	Source    string `yaml:"source"`
	Target    string `yaml:"target"`
	FSType    string `yaml:"fs_type"`
	Verity    bool   `yaml:"verity"`
	Encrypted bool   `yaml:"encrypted"`
	ReadOnly  bool   `yaml:"read_only"`
}

type deviceDoc struct {
	Name   string `yaml:"name"`
	Major  int    `yaml:"major"`
	Minor  int    `yaml:"minor"`
	Access string `yaml:"access"`
}

type guestOSDoc struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Kernel  string `yaml:"kernel"`
	Initrd  string `yaml:"initrd"`
}

func parseRestartPolicy(s string) types.RestartPolicy {
	switch s {
	case "always":
		return types.RestartAlways
	case "on-failure":
		return types.RestartOnFailure
	default:
		return types.RestartNever
	}
}

func parseUSBKind(s string) types.USBKind {
	if s == "token" {
		return types.USBToken
	}
	return types.USBGeneric
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&mac[0], &mac[1], &mac[2], &mac[3], &mac[4], &mac[5])
	if err != nil || n != 6 {
		return mac, fmt.Errorf("config: invalid MAC %q", s)
	}
	return mac, nil
}

func (YAMLDecoder) DecodeContainer(r io.Reader) (types.ContainerConfig, error) {
	var doc containerDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return types.ContainerConfig{}, fmt.Errorf("config: decode container: %w", err)
	}
	cfg := types.ContainerConfig{
		UUID:           doc.UUID,
		Name:           doc.Name,
		GuestOS:        doc.GuestOS,
		RestartPolicy:  parseRestartPolicy(doc.RestartPolicy),
		UIDRangeSize:   doc.UIDRangeSize,
		CPUQuota:       doc.CPUQuota,
		MemoryLimit:    doc.MemoryLimit,
		Capabilities:   doc.Capabilities,
		SeccompProfile: doc.SeccompProfile,
	}
	for _, u := range doc.USBMappings {
		cfg.USBMappings = append(cfg.USBMappings, types.USBMapping{
			CompartmentUUID: doc.UUID,
			VendorID:        u.VendorID,
			ProductID:       u.ProductID,
			Serial:          u.Serial,
			Kind:            parseUSBKind(u.Kind),
			Assign:          u.Assign,
		})
	}
	for _, n := range doc.NetMappings {
		mac, err := parseMAC(n.MAC)
		if err != nil {
			return types.ContainerConfig{}, err
		}
		cfg.NetMappings = append(cfg.NetMappings, types.NetMapping{
			CompartmentUUID: doc.UUID,
			MAC:             mac,
			Config: types.PhysicalNetConfig{
				Name:      n.Name,
				MACFilter: n.MACFilter,
				IPAddr:    n.IPAddr,
				IPNetmask: n.IPNetmask,
				IPGateway: n.IPGateway,
			},
		})
	}
	for _, v := range doc.Volumes {
		cfg.Volumes = append(cfg.Volumes, types.VolumeConfig{
			Name:      v.Name,
			Source:    v.Source,
			Target:    v.Target,
			FSType:    v.FSType,
			Verity:    v.Verity,
			Encrypted: v.Encrypted,
			ReadOnly:  v.ReadOnly,
		})
	}
	return cfg, nil
}

func (YAMLDecoder) DecodeDevice(r io.Reader) (types.DeviceConfig, error) {
	var doc deviceDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return types.DeviceConfig{}, fmt.Errorf("config: decode device: %w", err)
	}
	return types.DeviceConfig{Name: doc.Name, Major: doc.Major, Minor: doc.Minor, Access: doc.Access}, nil
}

func (YAMLDecoder) DecodeGuestOS(r io.Reader) (types.GuestOSConfig, error) {
	var doc guestOSDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return types.GuestOSConfig{}, fmt.Errorf("config: decode guestos: %w", err)
	}
	return types.GuestOSConfig{Name: doc.Name, Version: doc.Version, Kernel: doc.Kernel, Initrd: doc.Initrd}, nil
}

// LoadContainer is a convenience wrapper for the common case of decoding
// directly from a path.
func LoadContainer(d Decoder, path string) (types.ContainerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.ContainerConfig{}, err
	}
	defer f.Close()
	return d.DecodeContainer(f)
}
