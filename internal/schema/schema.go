package schema

import "time"

// SchemaVersion is the current event schema version.
const SchemaVersion uint16 = 1

// EventType defines the category of a message flowing through a shard.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventMarket
	EventFillConfirmation
	EventFillFailure
	EventFlatten
	EventSweep
	EventSessionEnd
)

func (t EventType) String() string {
	switch t {
	case EventMarket:
		return "market"
	case EventFillConfirmation:
		return "fill_confirmation"
	case EventFillFailure:
		return "fill_failure"
	case EventFlatten:
		return "flatten"
	case EventSweep:
		return "sweep"
	case EventSessionEnd:
		return "session_end"
	default:
		return "unknown"
	}
}

// EventHeader is the common metadata attached to every shard message.
type EventHeader struct {
	Type    EventType
	Version uint16
	Seq     uint64
	TsEvent int64
	TsRecv  int64
}

// NewHeader builds a header with the current schema version.
func NewHeader(eventType EventType, seq uint64, tsEvent int64) EventHeader {
	return EventHeader{
		Type:    eventType,
		Version: SchemaVersion,
		Seq:     seq,
		TsEvent: tsEvent,
		TsRecv:  time.Now().UTC().UnixMicro(),
	}
}

// Micros converts a duration into the microsecond timestamp unit.
func Micros(d time.Duration) int64 {
	return d.Microseconds()
}

// TimeOf converts a microsecond timestamp into a UTC time.
func TimeOf(ts int64) time.Time {
	return time.UnixMicro(ts).UTC()
}
