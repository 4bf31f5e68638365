package handle

// Handle is an opaque reference to a value held by a Table.
// The low 32 bits carry the slot index plus one, the high 32 bits the slot
// generation. Handle 0 is reserved and always invalid.
type Handle uint64

func makeHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index+1))
}

func (h Handle) index() (uint32, bool) {
	low := uint32(h)
	if low == 0 {
		return 0, false
	}
	return low - 1, true
}

func (h Handle) generation() uint32 {
	return uint32(h >> 32)
}

// EventType identifies a handle lifecycle notification.
type EventType uint8

const (
	EventCreated EventType = iota
	EventReleased
	EventWeakened
	EventStrengthened
	EventFinalized
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventReleased:
		return "released"
	case EventWeakened:
		return "weakened"
	case EventStrengthened:
		return "strengthened"
	case EventFinalized:
		return "finalized"
	}
	return "unknown"
}

// Event represents a handle lifecycle event.
type Event struct {
	Handle Handle
	Owner  uint64
	Type   EventType
}

// Observer receives notifications about handle lifecycle events.
type Observer interface {
	OnHandleEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnHandleEvent(e Event) {
	f(e)
}
