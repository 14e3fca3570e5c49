package pve

// Guest is one QEMU virtual machine visible through the hypervisor API.
type Guest struct {
	Type   string `json:"type"`
	Node   string `json:"node"`
	Name   string `json:"name"`
	VMID   int    `json:"vmid"`
	Status string `json:"status"`
}

// Ticket is the key/value map returned by the hypervisor's spiceproxy
// endpoint. Values arrive as mixed JSON types (strings, numbers, booleans)
// and are normalized to their textual form.
type Ticket map[string]string

type nodesResponse struct {
	Data []struct {
		Node string `json:"node"`
	} `json:"data"`
}

type qemuResponse struct {
	Data []struct {
		VMID   int    `json:"vmid"`
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"data"`
}
