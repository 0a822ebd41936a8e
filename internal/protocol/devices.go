package protocol

import "fmt"

// Default baud rate (optiboot on Uno/Nano and most HC-05 bridges)
const DefaultBaudRate = 115200

// Signature is the three-byte AVR device signature.
type Signature [3]byte

func (s Signature) String() string {
	return fmt.Sprintf("%02X %02X %02X", s[0], s[1], s[2])
}

var partNames = map[Signature]string{
	{0x1E, 0x93, 0x07}: "ATmega8",
	{0x1E, 0x93, 0x0A}: "ATmega88",
	{0x1E, 0x93, 0x0B}: "ATtiny85",
	{0x1E, 0x94, 0x06}: "ATmega168",
	{0x1E, 0x94, 0x0B}: "ATmega168P",
	{0x1E, 0x95, 0x0F}: "ATmega328P",
	{0x1E, 0x95, 0x14}: "ATmega328",
	{0x1E, 0x95, 0x87}: "ATmega32U4",
	{0x1E, 0x96, 0x0A}: "ATmega644P",
	{0x1E, 0x97, 0x03}: "ATmega1280",
	{0x1E, 0x98, 0x01}: "ATmega2560",
}

// PartName returns human-readable name for a device signature
func PartName(sig Signature) string {
	if name, ok := partNames[sig]; ok {
		return name
	}
	return "unknown AVR"
}
