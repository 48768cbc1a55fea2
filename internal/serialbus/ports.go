// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package serialbus

import (
	"fmt"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one serial port present on the host.
type PortInfo struct {
	Port        string `json:"port"`
	Description string `json:"description"`
}

// ListAvailablePorts enumerates the host's serial ports so operators can
// pick a COM port without guessing. USB adapters report their product
// string; bare UARTs get a generic label.
func ListAvailablePorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialbus: enumerate ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		desc := d.Product
		if desc == "" {
			desc = "Serial port"
		}
		if d.IsUSB && d.SerialNumber != "" {
			desc = fmt.Sprintf("%s (SN %s)", desc, d.SerialNumber)
		}
		ports = append(ports, PortInfo{Port: d.Name, Description: desc})
	}
	return ports, nil
}
