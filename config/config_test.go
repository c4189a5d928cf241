package config

import (
	"strings"
	"testing"

	"github.com/cmld/cmld/types"
)

const sampleContainer = `
uuid: 11111111-1111-1111-1111-111111111111
name: media-player
guest_os: trustme-debian
restart_policy: always
uid_range_size: 65536
cpu_quota: 200000
memory_limit: 536870912
capabilities:
  - CAP_NET_ADMIN
seccomp_profile: default
usb_mappings:
  - vendor_id: 0x1234
    product_id: 0x5678
    serial: ABC123
    kind: token
    assign: true
net_mappings:
  - mac: "aa:bb:cc:dd:ee:ff"
    name: wlan0
    mac_filter: true
volumes:
  - name: root
    source: /data/media-player/root.img
    target: /
    fs_type: ext4
    verity: true
    read_only: true
`

func TestYAMLDecoder_DecodeContainer(t *testing.T) {
	cfg, err := YAMLDecoder{}.DecodeContainer(strings.NewReader(sampleContainer))
	if err != nil {
		t.Fatalf("DecodeContainer: %v", err)
	}
	if cfg.Name != "media-player" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.RestartPolicy != types.RestartAlways {
		t.Errorf("RestartPolicy = %v, want RestartAlways", cfg.RestartPolicy)
	}
	if len(cfg.USBMappings) != 1 || cfg.USBMappings[0].Kind != types.USBToken {
		t.Fatalf("USBMappings = %+v", cfg.USBMappings)
	}
	if !cfg.USBMappings[0].Assign {
		t.Error("Assign = false, want true")
	}
	if len(cfg.NetMappings) != 1 || cfg.NetMappings[0].MACString() != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("NetMappings = %+v", cfg.NetMappings)
	}
	if len(cfg.Volumes) != 1 || !cfg.Volumes[0].Verity || !cfg.Volumes[0].ReadOnly {
		t.Fatalf("Volumes = %+v", cfg.Volumes)
	}
}

func TestYAMLDecoder_DecodeContainer_BadMAC(t *testing.T) {
	doc := strings.Replace(sampleContainer, `"aa:bb:cc:dd:ee:ff"`, `"not-a-mac"`, 1)
	if _, err := (YAMLDecoder{}).DecodeContainer(strings.NewReader(doc)); err == nil {
		t.Fatal("DecodeContainer with bad MAC = nil error, want error")
	}
}

func TestYAMLDecoder_DecodeDevice(t *testing.T) {
	dev, err := YAMLDecoder{}.DecodeDevice(strings.NewReader("name: audio0\nmajor: 116\nminor: 0\naccess: rwm\n"))
	if err != nil {
		t.Fatalf("DecodeDevice: %v", err)
	}
	if dev.Major != 116 || dev.Access != "rwm" {
		t.Errorf("dev = %+v", dev)
	}
}
