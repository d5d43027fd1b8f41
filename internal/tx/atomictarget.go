package tx

import (
	"encoding/binary"
	"fmt"

	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

// ApplyAtomic executes one ATOMIC_REQ against mem, the target-side exported
// buffer the request's (VAddr, RKey) resolved to, at the given byte offset
// into mem. It returns the pre-operation value (for fetching ops) and
// writes the op's result back into mem in place. ApplyAtomic takes no lock
// of its own.
//
// Supported widths are 1, 2, 4, and 8 bytes, selected by datatype.
func ApplyAtomic(op wire.AtomicOp, datatype wire.AtomicDatatype, mem []byte, offset int, operand, compare uint64) (fetched uint64, err error) {
	width, err := widthOf(datatype)
	if err != nil {
		return 0, err
	}
	if offset < 0 || offset+width > len(mem) {
		return 0, fmt.Errorf("tx: atomic offset %d+%d out of range [0,%d)", offset, width, len(mem))
	}
	slot := mem[offset : offset+width]

	cur := loadWidth(slot, width)
	fetched = cur

	var next uint64
	switch op {
	case wire.AtomicRead:
		next = cur
	case wire.AtomicWrite:
		next = operand
	case wire.AtomicBand:
		next = cur & operand
	case wire.AtomicBor:
		next = cur | operand
	case wire.AtomicBxor:
		next = cur ^ operand
	case wire.AtomicSum:
		next = truncateToWidth(cur+operand, width)
	case wire.AtomicCswap:
		if cur == compare {
			next = operand
		} else {
			next = cur
		}
	default:
		return 0, fmt.Errorf("tx: unsupported atomic op %d", op)
	}

	storeWidth(slot, width, next)
	return fetched, nil
}

func widthOf(dt wire.AtomicDatatype) (int, error) {
	switch dt {
	case wire.AtomicInt8:
		return 1, nil
	case wire.AtomicInt16:
		return 2, nil
	case wire.AtomicInt32:
		return 4, nil
	case wire.AtomicInt64:
		return 8, nil
	default:
		return 0, fmt.Errorf("tx: unknown atomic datatype %d", dt)
	}
}

func truncateToWidth(v uint64, width int) uint64 {
	switch width {
	case 1:
		return v & 0xff
	case 2:
		return v & 0xffff
	case 4:
		return v & 0xffffffff
	default:
		return v
	}
}

func loadWidth(b []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	default:
		return binary.BigEndian.Uint64(b)
	}
}

func storeWidth(b []byte, width int, v uint64) {
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
	default:
		binary.BigEndian.PutUint64(b, v)
	}
}
