/*
Copyright (c) Facebook, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package enrich

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
)

// UnixctlClient is a Client backed by a real OVS unixctl control
// socket (typically /var/run/openvswitch/ovs-vswitchd.<pid>.ctl). The
// wire protocol is JSON-RPC 1.0: requests and responses are
// back-to-back JSON values with no length prefix or framing, which is
// why this reads through a streaming json.Decoder rather than a
// library — no third-party Go client for OVS's unixctl protocol
// exists in the ecosystem this module otherwise draws from.
type UnixctlClient struct {
	mu   sync.Mutex
	conn net.Conn
	dec  *json.Decoder
	id   int
}

type jsonrpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     int           `json:"id"`
}

type jsonrpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	ID     int             `json:"id"`
}

// DialUnixctl connects to an OVS control socket at path.
func DialUnixctl(path string) (*UnixctlClient, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing ovs unixctl socket %s: %w", path, err)
	}
	return &UnixctlClient{conn: conn, dec: json.NewDecoder(conn)}, nil
}

func (c *UnixctlClient) call(method string, params ...interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.id++
	req := jsonrpcRequest{Method: method, Params: params, ID: c.id}
	if err := json.NewEncoder(c.conn).Encode(req); err != nil {
		return nil, fmt.Errorf("sending %s request: %w", method, err)
	}

	var resp jsonrpcResponse
	if err := c.dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("reading %s response: %w", method, err)
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return nil, fmt.Errorf("ovs unixctl %s failed: %s", method, resp.Error)
	}
	return resp.Result, nil
}

// ListCommands implements Client.
func (c *UnixctlClient) ListCommands() ([]string, error) {
	result, err := c.call("list-commands")
	if err != nil {
		return nil, err
	}
	var text string
	if err := json.Unmarshal(result, &text); err != nil {
		return nil, fmt.Errorf("decoding list-commands reply: %w", err)
	}
	return parseCommandList(text), nil
}

// Run implements Client.
func (c *UnixctlClient) Run(command string, args ...string) (string, error) {
	params := make([]interface{}, len(args))
	for i, a := range args {
		params[i] = a
	}
	result, err := c.call(command, params...)
	if err != nil {
		return "", err
	}
	var text string
	if err := json.Unmarshal(result, &text); err != nil {
		return "", fmt.Errorf("decoding %s reply: %w", command, err)
	}
	return text, nil
}

// Close closes the underlying socket.
func (c *UnixctlClient) Close() error { return c.conn.Close() }

// parseCommandList extracts the leading "name" token from each line of
// ovs-vswitchd's "list-commands" reply, one command (plus a usage
// blurb) per line.
func parseCommandList(text string) []string {
	var names []string
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		names = append(names, fields[0])
	}
	return names
}
