package hotplug

import (
	"log/slog"
	"strconv"

	"github.com/cmld/cmld/types"
)

// defaultCompartmentUUID is the fallback target for a physical interface
// whose MAC matches no registered mapping (spec.md §4.4 rule 3(e)): it
// stays reachable as an ephemeral, unregistered mapping rather than being
// dropped outright.
const defaultCompartmentUUID = "c0"

// HandleNetUevent processes one net-subsystem uevent for a physical
// interface. On "add" it debounces 100ms (spec.md §4.4 rule 3), looks up
// the interface's MAC through macOf (the uevent itself doesn't carry it),
// matches against registered net mappings (falling back to the default
// compartment when nothing matches), picks the next cml{eth|wlan}<n> name,
// and hands the OnNetAssign callback a NetAssignment plus a copy of the
// event carrying the new interface name (devpath unchanged). It does not
// itself rename the interface or re-inject the event.
func (c *Coordinator) HandleNetUevent(ev types.Uevent, macOf func(ifname string) ([6]byte, bool), wireless func(ifname string) bool) {
	if ev.Subsystem != "net" || ev.Interface == "" {
		return
	}
	if ev.Action != types.ActionAdd {
		return
	}

	// The debounce machinery is built for repeating retries (USB devnum,
	// token attach); a net add only ever needs one 100ms settle delay, so
	// the callback cancels its own key on the first tick rather than
	// letting it retry up to the shared budget.
	key := "net:" + ev.Interface
	c.debounce(key, ev, func(retryEv types.Uevent, final bool) {
		c.cancelDebounce(key)
		c.resolveNetUevent(retryEv, macOf, wireless)
	})
}

func (c *Coordinator) resolveNetUevent(ev types.Uevent, macOf func(ifname string) ([6]byte, bool), wireless func(ifname string) bool) {
	mac, ok := macOf(ev.Interface)
	if !ok {
		return
	}

	c.mu.Lock()
	var match *types.NetMapping
	for i := range c.netMappings {
		if c.netMappings[i].MAC == mac {
			match = &c.netMappings[i]
			break
		}
	}
	c.mu.Unlock()

	var mapping types.NetMapping
	if match != nil {
		mapping = *match
	} else {
		// Rule 3(e): no mapping matched — fall back to the default
		// compartment with an ephemeral mapping, never registered in
		// netMappings since it carries no persistent configuration.
		mapping = types.NetMapping{CompartmentUUID: defaultCompartmentUUID, MAC: mac}
	}

	// Rule 4: refuse (warn, drop) a move into a compartment that isn't
	// STARTING, BOOTING, or RUNNING.
	if c.stateLookup != nil {
		state, ok := c.stateLookup(mapping.CompartmentUUID)
		if !ok || !state.CanReceiveDevice() {
			slog.Warn("hotplug: net uevent dropped, target compartment cannot receive device", "compartment", mapping.CompartmentUUID, "interface", ev.Interface)
			return
		}
	}

	// Rule 4: a MAC-filter-bridged interface re-advertises the uevent
	// itself once it's bridged; re-injecting it into the target namespace
	// here would duplicate that.
	if mapping.Config.MACFilter {
		return
	}

	newName := c.nextInterfaceName(wireless(ev.Interface))
	renamed := ev.WithRenamedInterface(newName, ev.Devpath)

	cb := c.onNetAssign
	if cb != nil {
		cb(NetAssignment{OldName: ev.Interface, NewName: newName, Mapping: mapping}, renamed)
	}
}

// NetAssignment is handed to the OnNetAssign callback; this package only
// decides the policy (which name, for which compartment) and performs no
// netlink rename or namespace move itself.
type NetAssignment struct {
	OldName string
	NewName string
	Mapping types.NetMapping
}

// nextInterfaceName assigns the next name in the cmleth<n>/cmlwlan<n>
// sequence. Each family keeps its own monotonic counter (spec.md §4.4 rule
// 3(b): "incrementing per family") so an eth index never collides with
// its own family's prior name but is independent of how many wlan
// interfaces have arrived.
func (c *Coordinator) nextInterfaceName(wireless bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wireless {
		idx := c.nextWlanIdx
		c.nextWlanIdx++
		return "cmlwlan" + strconv.Itoa(idx)
	}
	idx := c.nextEthIdx
	c.nextEthIdx++
	return "cmleth" + strconv.Itoa(idx)
}
