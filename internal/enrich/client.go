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

// Client is the subset of an OVS unixctl connection the enricher
// needs: list the commands a running ovs-vswitchd supports, and run
// one by name. A real implementation dials the daemon's control
// socket (typically /var/run/openvswitch/ovs-vswitchd.*.ctl).
type Client interface {
	ListCommands() ([]string, error)
	Run(command string, args ...string) (string, error)
}

func supportsDetrace(c Client) (bool, error) {
	commands, err := c.ListCommands()
	if err != nil {
		return false, err
	}
	for _, name := range commands {
		if name == "ofproto/detrace" {
			return true, nil
		}
	}
	return false, nil
}
