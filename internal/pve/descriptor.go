package pve

import (
	"fmt"
	"strings"
)

// descriptorKeys is the ordered subset of ticket keys that virt-viewer
// recognizes. Keys the hypervisor did not return are omitted.
var descriptorKeys = []string{
	"release-cursor",
	"proxy",
	"secure-attention",
	"host-subject",
	"ca",
	"delete-this-file",
	"type",
	"title",
	"tls-port",
	"toggle-fullscreen",
	"host",
	"password",
}

// RenderDescriptor produces the virt-viewer connection file for a ticket.
// The proxy field is always rewritten to the broker's ephemeral endpoint
// so the client tunnels through the forwarder instead of connecting to
// the hypervisor directly.
func RenderDescriptor(ticket Ticket, proxyHost string, ephemeralPort int) string {
	lines := []string{"[virt-viewer]"}
	for _, key := range descriptorKeys {
		val, ok := ticket[key]
		if !ok {
			continue
		}
		if key == "proxy" {
			val = fmt.Sprintf("http://%s:%d", proxyHost, ephemeralPort)
		}
		lines = append(lines, key+"="+val)
	}
	return strings.Join(lines, "\n")
}
