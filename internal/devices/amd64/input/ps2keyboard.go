package input

import "fmt"

const (
	// Keyboard commands
	ps2CmdReset        = 0xff
	ps2CmdSetDefaults  = 0xf6
	ps2CmdDisable      = 0xf5
	ps2CmdEnable       = 0xf4
	ps2CmdSetTypematic = 0xf3
	ps2CmdIdentify     = 0xf2
	ps2CmdSetScancode  = 0xf0
	ps2CmdEcho         = 0xee
	ps2CmdSetLEDs      = 0xed

	// Keyboard responses
	ps2ResponseAck      = 0xfa
	ps2ResponseTestPass = 0xaa
	ps2ResponseEcho     = 0xee

	// MF2 keyboard identification bytes.
	ps2IdentifyFirst  = 0xab
	ps2IdentifySecond = 0x83

	scancodeSet2 = 2

	defaultTypematic = 0x0b
)

// keyboardExpect names the command whose parameter byte is awaited.
type keyboardExpect uint8

const (
	keyboardExpectCommand keyboardExpect = iota
	keyboardExpectScancodeSet
	keyboardExpectLEDs
	keyboardExpectTypematic
)

// ps2Keyboard is the device behind the first 8042 port. It is driven under
// the controller's lock and emits every response byte through queue.
type ps2Keyboard struct {
	scanning    bool
	scancodeSet byte
	typematic   byte
	leds        byte
	expect      keyboardExpect
}

func newPS2Keyboard() *ps2Keyboard {
	k := &ps2Keyboard{}
	k.reset()
	return k
}

func (k *ps2Keyboard) reset() {
	k.scanning = true
	k.scancodeSet = scancodeSet2
	k.typematic = defaultTypematic
	k.leds = 0
	k.expect = keyboardExpectCommand
}

// write feeds one byte from the host side of the first port. A byte that is
// neither a known command nor an awaited parameter is an error.
func (k *ps2Keyboard) write(v byte, queue func(byte)) error {
	switch k.expect {
	case keyboardExpectScancodeSet:
		k.expect = keyboardExpectCommand
		switch v {
		case 0:
			queue(ps2ResponseAck)
			queue(k.scancodeSet)
		case 1, 2, 3:
			k.scancodeSet = v
			queue(ps2ResponseAck)
		default:
			return fmt.Errorf("invalid scan code set %d", v)
		}
		return nil
	case keyboardExpectLEDs:
		k.expect = keyboardExpectCommand
		k.leds = v & 0x07
		queue(ps2ResponseAck)
		return nil
	case keyboardExpectTypematic:
		k.expect = keyboardExpectCommand
		k.typematic = v & 0x7f
		queue(ps2ResponseAck)
		return nil
	}

	switch v {
	case ps2CmdEcho:
		queue(ps2ResponseEcho)
	case ps2CmdReset:
		k.reset()
		queue(ps2ResponseAck)
		queue(ps2ResponseTestPass)
	case ps2CmdSetDefaults:
		k.typematic = defaultTypematic
		k.scancodeSet = scancodeSet2
		queue(ps2ResponseAck)
	case ps2CmdEnable, ps2CmdDisable:
		// Scanning state is tracked but nothing gates on it except
		// host-side key injection.
		k.scanning = v == ps2CmdEnable
		queue(ps2ResponseAck)
	case ps2CmdSetScancode:
		k.expect = keyboardExpectScancodeSet
		queue(ps2ResponseAck)
	case ps2CmdSetLEDs:
		k.expect = keyboardExpectLEDs
		queue(ps2ResponseAck)
	case ps2CmdSetTypematic:
		k.expect = keyboardExpectTypematic
		queue(ps2ResponseAck)
	case ps2CmdIdentify:
		queue(ps2ResponseAck)
		queue(ps2IdentifyFirst)
		queue(ps2IdentifySecond)
	default:
		return fmt.Errorf("unknown keyboard command 0x%02x", v)
	}
	return nil
}
