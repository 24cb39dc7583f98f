package state

import "time"

// Event types published to subscribers.
const (
	EventSectionAdded   = "section.added"
	EventSectionRemoved = "section.removed"
	EventSnapshot       = "snapshot"
	EventPrices         = "prices"
	EventAlert          = "alert"
	EventAlertRemoved   = "alert.removed"
	EventNotification   = "notification"
	EventPreferences    = "preferences"
)

// Event describes one change to the store. Only the field matching Type is set.
type Event struct {
	Type         string                   `json:"type"`
	At           time.Time                `json:"at"`
	SectionID    string                   `json:"sectionId,omitempty"`
	Section      *Section                 `json:"section,omitempty"`
	Snapshot     *Snapshot                `json:"snapshot,omitempty"`
	Prices       map[string]PriceSnapshot `json:"prices,omitempty"`
	Alert        *Alert                   `json:"alert,omitempty"`
	Notification *Notification            `json:"notification,omitempty"`
	Preferences  *Preferences             `json:"preferences,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Subscribe returns a channel of change events and a function that ends the
// subscription. A subscriber that falls behind by more than buf events misses
// the overflow.
func (s *Store) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	sub := &subscriber{ch: make(chan Event, buf)}

	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	var once bool
	return sub.ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if once {
			return
		}
		once = true
		delete(s.subs, sub)
		close(sub.ch)
	}
}

func (s *Store) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			s.logger.Warn("subscriber lagging, event dropped", "type", ev.Type)
		}
	}
}
