package event

// Raw fanotify mask bits, in the priority order the decoder drains them.
// These mirror the kernel ABI values of FAN_OPEN_PERM, FAN_OPEN_EXEC_PERM,
// FAN_ACCESS_PERM, FAN_MODIFY, FAN_CLOSE_WRITE and FAN_CLOSE_NOWRITE from
// <linux/fanotify.h> — never change. Kept as local constants (rather than an
// import of the platform fanotify binding) so the decoder and its property
// tests compile and run on any GOOS.
const (
	bitOpenPerm     uint32 = 0x00010000 // FAN_OPEN_PERM
	bitExecPerm     uint32 = 0x00040000 // FAN_OPEN_EXEC_PERM
	bitAccessPerm   uint32 = 0x00020000 // FAN_ACCESS_PERM
	bitModify       uint32 = 0x00000002 // FAN_MODIFY
	bitCloseWrite   uint32 = 0x00000008 // FAN_CLOSE_WRITE
	bitCloseNoWrite uint32 = 0x00000010 // FAN_CLOSE_NOWRITE
)

// Decode extracts a single logical Event from *mask and clears the
// consumed bit, in the fixed priority order: open-perm, exec-perm,
// access-perm, modify, close-write, close-nowrite. It returns Empty once no
// recognised bit remains, leaving mask unchanged in that case.
//
// The kernel never merges two permission bits into one notification, so
// draining permission bits first guarantees the agent responds to each of
// them before any observational bit is processed. Purely-observational bits
// (plain FAN_OPEN, FAN_ACCESS) are not recognised here; they would double
// count against their permission-gated counterparts.
//
// Callers invoke Decode repeatedly on the same mask until it returns Empty,
// appending each yielded Event to the relevant history. N recognised bits
// always yield exactly N logical events, in deterministic order; unrecognised
// bits yield nothing and stay set in mask. The loop always terminates because
// every non-Empty branch clears a bit from mask.
func Decode(mask *uint32) Event {
	switch {
	case *mask&bitOpenPerm != 0:
		*mask &^= bitOpenPerm
		return Open
	case *mask&bitExecPerm != 0:
		*mask &^= bitExecPerm
		return Exec
	case *mask&bitAccessPerm != 0:
		*mask &^= bitAccessPerm
		return Access
	case *mask&bitModify != 0:
		*mask &^= bitModify
		return Modify
	case *mask&bitCloseWrite != 0:
		*mask &^= bitCloseWrite
		return CloseWrite
	case *mask&bitCloseNoWrite != 0:
		*mask &^= bitCloseNoWrite
		return CloseNoWrite
	default:
		return Empty
	}
}

// DecodeAll drains every recognised event out of mask, in priority order,
// and returns them as a slice. It is a convenience wrapper around Decode for
// callers that don't need to interleave history appends with the drain loop.
func DecodeAll(mask uint32) []Event {
	var events []Event
	for {
		e := Decode(&mask)
		if e == Empty {
			return events
		}
		events = append(events, e)
	}
}
