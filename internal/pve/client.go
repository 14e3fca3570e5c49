// Package pve is a thin client for the Proxmox VE REST API: guest
// enumeration and SPICE ticket minting.
package pve

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zerospice/zerospice/internal/metrics"
)

const (
	listTimeout   = 5 * time.Second
	ticketTimeout = 10 * time.Second
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a client against baseURL, typically
// "https://<host>:8006". insecureTLS skips certificate verification for
// self-signed hypervisor certs and must be enabled explicitly.
func NewClient(baseURL, token string, insecureTLS bool) *Client {
	transport := http.DefaultTransport
	if insecureTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Transport: transport},
	}
}

// TestConnection verifies reachability and credentials.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.ListGuests(ctx)
	return err
}

// ListGuests enumerates cluster nodes, then QEMU guests per node, and
// flattens the result.
func (c *Client) ListGuests(ctx context.Context) ([]Guest, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	var nodes nodesResponse
	if err := c.get(ctx, "/api2/json/nodes", &nodes); err != nil {
		metrics.UpstreamErrors.WithLabelValues("list_nodes").Inc()
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	guests := []Guest{}
	for _, n := range nodes.Data {
		var qemu qemuResponse
		path := fmt.Sprintf("/api2/json/nodes/%s/qemu", n.Node)
		if err := c.get(ctx, path, &qemu); err != nil {
			metrics.UpstreamErrors.WithLabelValues("list_qemu").Inc()
			return nil, fmt.Errorf("list qemu guests (node %s): %w", n.Node, err)
		}
		for _, vm := range qemu.Data {
			name := vm.Name
			if name == "" {
				name = fmt.Sprintf("vm-%d", vm.VMID)
			}
			status := vm.Status
			if status == "" {
				status = "unknown"
			}
			guests = append(guests, Guest{
				Type:   "qemu",
				Node:   n.Node,
				Name:   name,
				VMID:   vm.VMID,
				Status: status,
			})
		}
	}
	return guests, nil
}

// SpiceTicket requests a one-shot SPICE connection ticket for a guest.
func (c *Client) SpiceTicket(ctx context.Context, node string, vmid int) (Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, ticketTimeout)
	defer cancel()

	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/spiceproxy", node, vmid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "PVEAPIToken="+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("spice_ticket").Inc()
		return nil, fmt.Errorf("spice ticket (%s/%d): %w", node, vmid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.UpstreamErrors.WithLabelValues("spice_ticket").Inc()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("spice ticket (%s/%d): proxmox API error %d: %s",
			node, vmid, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// The data map mixes strings, numbers, and booleans (tls-port is a
	// number, delete-this-file a boolean flag). Normalize everything to
	// text for descriptor rendering.
	var envelope struct {
		Data map[string]any `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("spice ticket (%s/%d): decode: %w", node, vmid, err)
	}

	ticket := make(Ticket, len(envelope.Data))
	for key, val := range envelope.Data {
		switch v := val.(type) {
		case string:
			ticket[key] = v
		case json.Number:
			ticket[key] = v.String()
		case bool:
			if v {
				ticket[key] = "1"
			} else {
				ticket[key] = "0"
			}
		default:
			ticket[key] = fmt.Sprintf("%v", v)
		}
	}
	return ticket, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "PVEAPIToken="+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("proxmox API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
