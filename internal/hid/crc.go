// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package hid

// crc16 computes the reflected CRC-16 used by the MCU firmware on both
// directions of the serial link (poly 0xA001, init 0xFFFF). The algorithm
// must match the firmware bit for bit; do not swap it for a table-driven
// variant without checking vectors against a real device.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
