package commit

import (
	"encoding/binary"
	"fmt"

	"github.com/crumblevm/crumble/pkg/config"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// Encode produces a deterministic byte encoding of a ContractIndexElement,
// for the "leaf" file of §4.6 and the round-trip testable property of §8.
func (e ContractIndexElement) Encode() []byte {
	buf := make([]byte, 0, 32+8+8+8+len(e.Flavor)+8*len(e.TouchedPages))
	buf = append(buf, e.Root[:]...)
	buf = binary.BigEndian.AppendUint64(buf, e.CurrentLen)
	buf = binary.BigEndian.AppendUint64(buf, e.Position)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Flavor)))
	buf = append(buf, []byte(e.Flavor)...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.TouchedPages)))
	for _, idx := range e.TouchedPages {
		buf = binary.BigEndian.AppendUint64(buf, idx)
	}
	return buf
}

// DecodeElement is the inverse of Encode.
func DecodeElement(data []byte) (ContractIndexElement, error) {
	var e ContractIndexElement
	if len(data) < vmtypes.HashLen+8+8+4 {
		return e, fmt.Errorf("commit: element record too short (%d bytes)", len(data))
	}
	copy(e.Root[:], data[:vmtypes.HashLen])
	off := vmtypes.HashLen
	e.CurrentLen = binary.BigEndian.Uint64(data[off:])
	off += 8
	e.Position = binary.BigEndian.Uint64(data[off:])
	off += 8

	flavorLen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if off+flavorLen > len(data) {
		return e, fmt.Errorf("commit: element record truncated in flavor field")
	}
	e.Flavor = config.MemoryFlavor(data[off : off+flavorLen])
	off += flavorLen

	if off+4 > len(data) {
		return e, fmt.Errorf("commit: element record truncated before touched-page count")
	}
	count := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	e.TouchedPages = make([]uint64, count)
	for i := 0; i < count; i++ {
		if off+8 > len(data) {
			return e, fmt.Errorf("commit: element record truncated in touched-page list")
		}
		e.TouchedPages[i] = binary.BigEndian.Uint64(data[off:])
		off += 8
	}
	return e, nil
}
