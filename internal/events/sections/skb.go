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

package sections

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"

	"github.com/facebookincubator/retis/internal/events"
)

// Sub-section data types multiplexed within the skb owner id. Keep in
// sync with the in-kernel skb hook.
const (
	skbTypeL2 uint8 = iota
	skbTypeIPv4
	skbTypeIPv6
	skbTypeTCP
	skbTypeUDP
	skbTypeICMP
	skbTypeDev
	skbTypeNS
	skbTypeDataRef
	skbTypeDropReason
)

// Skb holds every L2-L4 and net-device field retis can extract from a
// packet, each present only when the corresponding sub-section was
// collected.
type Skb struct {
	// L2
	Etype     *uint16 `json:"etype,omitempty"`
	EtypeName *string `json:"etype_name,omitempty"`
	Src       *string `json:"src,omitempty"`
	Dst       *string `json:"dst,omitempty"`

	// L3
	SAddr     *string `json:"saddr,omitempty"`
	DAddr     *string `json:"daddr,omitempty"`
	IPVersion *uint8  `json:"ip_version,omitempty"`
	L3Len     *uint16 `json:"l3_len,omitempty"`
	Protocol  *uint8  `json:"protocol,omitempty"`

	// TCP
	SPort      *uint16 `json:"sport,omitempty"`
	DPort      *uint16 `json:"dport,omitempty"`
	TCPSeq     *uint32 `json:"tcp_seq,omitempty"`
	TCPAckSeq  *uint32 `json:"tcp_ack_seq,omitempty"`
	TCPWindow  *uint16 `json:"tcp_window,omitempty"`
	TCPFlags   *uint8  `json:"tcp_flags,omitempty"`

	// UDP
	UDPLen *uint16 `json:"udp_len,omitempty"`

	// ICMP
	ICMPType *uint8 `json:"icmp_type,omitempty"`
	ICMPCode *uint8 `json:"icmp_code,omitempty"`

	// Net device
	DevName   *string `json:"dev_name,omitempty"`
	IfIndex   *uint32 `json:"ifindex,omitempty"`
	RxIfIndex *uint32 `json:"rx_ifindex,omitempty"`

	// Netns
	NetNS *uint32 `json:"netns,omitempty"`

	// Dataref
	Cloned  *bool  `json:"cloned,omitempty"`
	FClone  *bool  `json:"fclone,omitempty"`
	Users   *uint8 `json:"users,omitempty"`
	Dataref *uint8 `json:"dataref,omitempty"`

	// Drop reason, also reachable via the dedicated skb-drop section
	// when the probe site reports it separately.
	DropReason *uint32 `json:"drop_reason,omitempty"`
}

// ToJSON implements events.SectionValue.
func (s *Skb) ToJSON() (json.RawMessage, error) { return json.Marshal(s) }

// SkbFactory decodes the multi-part skb section.
type SkbFactory struct{}

// FromRaw implements events.SectionFactory.
func (SkbFactory) FromRaw(raw []events.RawSection) (events.SectionValue, error) {
	s := &Skb{}
	for _, section := range raw {
		var err error
		switch section.DataType {
		case skbTypeL2:
			err = unmarshalL2(section.Payload, s)
		case skbTypeIPv4:
			err = unmarshalIPv4(section.Payload, s)
		case skbTypeIPv6:
			err = unmarshalIPv6(section.Payload, s)
		case skbTypeTCP:
			err = unmarshalTCP(section.Payload, s)
		case skbTypeUDP:
			err = unmarshalUDP(section.Payload, s)
		case skbTypeICMP:
			err = unmarshalICMP(section.Payload, s)
		case skbTypeDev:
			err = unmarshalDev(section.Payload, s)
		case skbTypeNS:
			err = unmarshalNS(section.Payload, s)
		case skbTypeDataRef:
			err = unmarshalDataRef(section.Payload, s)
		case skbTypeDropReason:
			err = unmarshalDropReason(section.Payload, s)
		default:
			err = fmt.Errorf("unknown skb sub-section data type %d", section.DataType)
		}
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// FromJSON implements events.SectionFactory.
func (SkbFactory) FromJSON(data json.RawMessage) (events.SectionValue, error) {
	var s Skb
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func sizeMismatch(name string, want, got int) error {
	return fmt.Errorf("skb %s sub-section: expected %d bytes, got %d", name, want, got)
}

func unmarshalL2(buf []byte, s *Skb) error {
	if len(buf) != 14 {
		return sizeMismatch("l2", 14, len(buf))
	}
	src := net.HardwareAddr(buf[0:6]).String()
	dst := net.HardwareAddr(buf[6:12]).String()
	etype := binary.BigEndian.Uint16(buf[12:14])
	name := layers.EthernetType(etype).String()
	s.Src, s.Dst, s.Etype, s.EtypeName = &src, &dst, &etype, &name
	return nil
}

func unmarshalIPv4(buf []byte, s *Skb) error {
	if len(buf) != 11 {
		return sizeMismatch("ipv4", 11, len(buf))
	}
	src := net.IP(buf[0:4]).String()
	dst := net.IP(buf[4:8]).String()
	l3len := binary.BigEndian.Uint16(buf[8:10])
	proto := buf[10]
	ver := uint8(4)
	s.SAddr, s.DAddr, s.L3Len, s.Protocol, s.IPVersion = &src, &dst, &l3len, &proto, &ver
	return nil
}

func unmarshalIPv6(buf []byte, s *Skb) error {
	if len(buf) != 35 {
		return sizeMismatch("ipv6", 35, len(buf))
	}
	src := net.IP(buf[0:16]).String()
	dst := net.IP(buf[16:32]).String()
	l3len := binary.BigEndian.Uint16(buf[32:34])
	proto := buf[34]
	ver := uint8(6)
	s.SAddr, s.DAddr, s.L3Len, s.Protocol, s.IPVersion = &src, &dst, &l3len, &proto, &ver
	return nil
}

func unmarshalTCP(buf []byte, s *Skb) error {
	if len(buf) != 14 {
		return sizeMismatch("tcp", 14, len(buf))
	}
	sport := binary.BigEndian.Uint16(buf[0:2])
	dport := binary.BigEndian.Uint16(buf[2:4])
	seq := binary.BigEndian.Uint32(buf[4:8])
	ack := binary.BigEndian.Uint32(buf[8:12])
	window := binary.BigEndian.Uint16(buf[12:14])
	// doff is captured alongside flags in the original layout but isn't
	// part of the persisted contract; flags alone are kept here.
	flags := buf[len(buf)-1]
	s.SPort, s.DPort, s.TCPSeq, s.TCPAckSeq, s.TCPWindow, s.TCPFlags =
		&sport, &dport, &seq, &ack, &window, &flags
	return nil
}

func unmarshalUDP(buf []byte, s *Skb) error {
	if len(buf) != 6 {
		return sizeMismatch("udp", 6, len(buf))
	}
	sport := binary.BigEndian.Uint16(buf[0:2])
	dport := binary.BigEndian.Uint16(buf[2:4])
	l := binary.BigEndian.Uint16(buf[4:6])
	s.SPort, s.DPort, s.UDPLen = &sport, &dport, &l
	return nil
}

func unmarshalICMP(buf []byte, s *Skb) error {
	if len(buf) != 2 {
		return sizeMismatch("icmp", 2, len(buf))
	}
	t, code := buf[0], buf[1]
	s.ICMPType, s.ICMPCode = &t, &code
	return nil
}

func unmarshalDev(buf []byte, s *Skb) error {
	if len(buf) < 8 {
		return sizeMismatch("dev", 8, len(buf))
	}
	ifindex := binary.LittleEndian.Uint32(buf[0:4])
	rxIfindex := binary.LittleEndian.Uint32(buf[4:8])
	devName := nullTerminated(buf[8:])
	s.IfIndex, s.RxIfIndex, s.DevName = &ifindex, &rxIfindex, &devName
	return nil
}

func unmarshalNS(buf []byte, s *Skb) error {
	if len(buf) != 4 {
		return sizeMismatch("ns", 4, len(buf))
	}
	ns := binary.LittleEndian.Uint32(buf)
	s.NetNS = &ns
	return nil
}

func unmarshalDataRef(buf []byte, s *Skb) error {
	if len(buf) != 4 {
		return sizeMismatch("dataref", 4, len(buf))
	}
	cloned := buf[0] != 0
	fclone := buf[1] != 0
	users := buf[2]
	dataref := buf[3]
	s.Cloned, s.FClone, s.Users, s.Dataref = &cloned, &fclone, &users, &dataref
	return nil
}

func unmarshalDropReason(buf []byte, s *Skb) error {
	if len(buf) != 4 {
		return sizeMismatch("drop_reason", 4, len(buf))
	}
	reason := binary.LittleEndian.Uint32(buf)
	s.DropReason = &reason
	return nil
}

func nullTerminated(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
