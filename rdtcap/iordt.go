//
// Copyright 2024 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package rdtcap

// Channel is an I/O-RDT channel identifier: an opaque 64-bit value a
// platform assigns to a PCIe virtual channel that RDT can tag with an RMID
// or CLOS.
type Channel uint64

// DevAllVCs is the sentinel Channel value meaning "every virtual channel
// this device exposes", mirroring pqos's DEV_ALL_VCS.
const DevAllVCs Channel = ^Channel(0)

// ChannelInfo describes one discovered channel's tagging capability.
type ChannelInfo struct {
	ID Channel

	// RMIDTagging reports whether traffic on this channel can be tagged
	// with a monitoring RMID (so it shows up in a GroupChannels poll).
	RMIDTagging bool

	// CLOSTagging reports whether traffic on this channel can be tagged
	// with an allocation CLOS (so AssocSetChannel applies to it).
	CLOSTagging bool
}

// Device identifies a PCIe function that I/O-RDT can group into a channel
// set. A device that carries DevAllVCs in Channels rolls every virtual
// channel it exposes into the group instead of addressing one directly.
type Device struct {
	Segment  uint16
	Bus      uint8
	Dev      uint8
	Func     uint8
	Channels []Channel
}

// IORDTTopology is the full set of channels and devices an I/O-RDT-capable
// platform exposes. Nil until a probe populates it.
type IORDTTopology struct {
	Channels []ChannelInfo
	Devices  []Device
}

// Channel looks up one channel's tagging capability by id.
func (t *IORDTTopology) Channel(id Channel) (ChannelInfo, bool) {
	if t == nil {
		return ChannelInfo{}, false
	}
	for _, c := range t.Channels {
		if c.ID == id {
			return c, true
		}
	}
	return ChannelInfo{}, false
}
