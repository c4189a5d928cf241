package modules

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/cmld/cmld/types"
)

// NetworkModule creates a veth pair for the compartment, moves one end
// into its network namespace, and (for a physical interface hand-over
// rather than a veth) moves an already-renamed physical interface in
// directly. ConfigureGuestAddress in this file assigns an address via
// netlink; Start does not call it.
type NetworkModule struct {
	// PhysicalIfaces lists host interfaces, already renamed by the hotplug
	// coordinator, that should be moved wholesale into this compartment.
	PhysicalIfaces []string
}

func (m *NetworkModule) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: "network"}
}

func vethNames(uuid string) (host, guest string) {
	suffix := uuid
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "veth" + suffix + "h", "veth" + suffix + "g"
}

func (m *NetworkModule) Start(ctx context.Context, c *Context) (Result, error) {
	targetNS, err := netns.GetFromPath(c.NetnsPath)
	if err != nil {
		return Result{}, fmt.Errorf("modules: network: open netns %s: %w", c.NetnsPath, err)
	}
	defer targetNS.Close()

	hostName, guestName := vethNames(c.UUID)
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostName},
		PeerName:  guestName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return Result{}, fmt.Errorf("modules: network: create veth %s/%s: %w", hostName, guestName, err)
	}

	guestLink, err := netlink.LinkByName(guestName)
	if err != nil {
		netlink.LinkDel(veth)
		return Result{}, fmt.Errorf("modules: network: lookup %s: %w", guestName, err)
	}
	if err := netlink.LinkSetNsFd(guestLink, int(targetNS)); err != nil {
		netlink.LinkDel(veth)
		return Result{}, fmt.Errorf("modules: network: move %s into namespace: %w", guestName, err)
	}
	if err := netlink.LinkSetUp(veth); err != nil {
		return Result{}, fmt.Errorf("modules: network: set %s up: %w", hostName, err)
	}

	for _, ifaceName := range m.PhysicalIfaces {
		link, err := netlink.LinkByName(ifaceName)
		if err != nil {
			return Result{}, fmt.Errorf("modules: network: lookup physical %s: %w", ifaceName, err)
		}
		if err := netlink.LinkSetNsFd(link, int(targetNS)); err != nil {
			return Result{}, fmt.Errorf("modules: network: move physical %s into namespace: %w", ifaceName, err)
		}
	}

	c.Set("veth_host", hostName)
	c.Set("veth_guest", guestName)
	return Done, nil
}

// ConfigureGuestAddress runs inside the target namespace's view and
// assigns a static address to the compartment's guest veth end, used when
// the compartment's config specifies a static IP rather than DHCP.
func ConfigureGuestAddress(linkName, ipAddr, netmask string) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return fmt.Errorf("modules: network: lookup %s: %w", linkName, err)
	}
	ip := net.ParseIP(ipAddr)
	if ip == nil {
		return fmt.Errorf("modules: network: invalid address %q", ipAddr)
	}
	mask := net.IPMask(net.ParseIP(netmask).To4())
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: mask}}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("modules: network: assign %s to %s: %w", ipAddr, linkName, err)
	}
	return netlink.LinkSetUp(link)
}

func (m *NetworkModule) Cleanup(ctx context.Context, c *Context) error {
	hostAny, ok := c.Get("veth_host")
	if !ok {
		return nil
	}
	hostName := hostAny.(string)
	link, err := netlink.LinkByName(hostName)
	if err != nil {
		return nil // already gone, e.g. the netns was torn down first
	}
	return netlink.LinkDel(link)
}
