package devicesim

import (
	"github.com/bigbag/avr-flasher/internal/protocol"
)

// process consumes every complete command in the input buffer. Once the
// bootloader has left program mode the sketch runs and input is recorded
// as application bytes.
func (d *Device) process() {
	for len(d.in) > 0 && !d.closed {
		if d.running {
			d.app = append(d.app, d.in...)
			d.in = d.in[:0]
			return
		}
		n, ok := commandLength(d.in)
		if !ok {
			return
		}
		raw := make([]byte, n)
		copy(raw, d.in[:n])
		d.in = d.in[n:]
		d.handle(raw)
	}
}

// commandLength returns the full length of the command at the start of buf,
// or false when more bytes are needed.
func commandLength(buf []byte) (int, bool) {
	switch buf[0] {
	case protocol.CmdGetSync, protocol.CmdEnterProgmode, protocol.CmdLeaveProgmode, protocol.CmdReadSignature:
		return 2, len(buf) >= 2
	case protocol.CmdGetParameter:
		return 3, len(buf) >= 3
	case protocol.CmdLoadAddress:
		return 4, len(buf) >= 4
	case protocol.CmdProgramPage:
		if len(buf) < 4 {
			return 0, false
		}
		n := 4 + (int(buf[1])<<8 | int(buf[2])) + 1
		return n, len(buf) >= n
	default:
		return 1, true
	}
}

func (d *Device) handle(raw []byte) {
	code := raw[0]
	if raw[len(raw)-1] != protocol.SyncCRCEOP {
		d.out = append(d.out, protocol.RespNoSync)
		return
	}

	d.counts[code]++
	d.commands = append(d.commands, Command{Code: code, Raw: raw})

	if d.stallAfterPages > 0 && len(d.pages) >= d.stallAfterPages {
		return
	}

	var payload []byte
	switch code {
	case protocol.CmdGetSync:
	case protocol.CmdGetParameter:
		switch raw[1] {
		case protocol.ParamSWMajor:
			payload = []byte{d.major}
		case protocol.ParamSWMinor:
			payload = []byte{d.minor}
		default:
			payload = []byte{0x03}
		}
	case protocol.CmdEnterProgmode:
		d.progmode = true
	case protocol.CmdLeaveProgmode:
		d.progmode = false
		d.running = true
	case protocol.CmdReadSignature:
		payload = d.signature[:]
	case protocol.CmdLoadAddress:
		d.address = uint16(raw[1]) | uint16(raw[2])<<8
	case protocol.CmdProgramPage:
		data := raw[4 : len(raw)-1]
		d.pages = append(d.pages, Page{Address: d.address, Data: data})
		if raw[3] == protocol.MemTypeFlash {
			offset := int(d.address) * 2
			if offset < len(d.flash) {
				copy(d.flash[offset:], data)
			}
		}
		if d.closeAfterPages > 0 && len(d.pages) >= d.closeAfterPages {
			d.closeLocked()
			return
		}
	default:
		d.out = append(d.out, protocol.RespNoSync)
		return
	}

	d.reply(code, payload)
}

func (d *Device) reply(code byte, payload []byte) {
	inSync, ok := byte(protocol.RespInSync), byte(protocol.RespOK)
	for _, f := range d.faults {
		if f.Command == code && f.Occurrence == d.counts[code] {
			inSync, ok = f.InSync, f.OK
		}
	}

	d.out = append(d.out, inSync)
	d.out = append(d.out, payload...)
	d.out = append(d.out, ok)
}
