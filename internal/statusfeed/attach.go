package statusfeed

import (
	"time"

	"github.com/steveyegge/localsync/internal/engine"
	"github.com/steveyegge/localsync/internal/notify"
	"github.com/steveyegge/localsync/internal/observer"
	"github.com/steveyegge/localsync/internal/schema"
)

// SyncStateData is the wire form of engine.State
type SyncStateData struct {
	Phase        engine.Phase `json:"phase"`
	Online       bool         `json:"online"`
	Syncing      bool         `json:"syncing"`
	Pending      int          `json:"pending"`
	LastSync     *time.Time   `json:"lastSync,omitempty"`
	Retry        int          `json:"retry,omitempty"`
	Error        string       `json:"error,omitempty"`
	StorageError string       `json:"storageError,omitempty"`
}

// RecordsData carries the whole collection
type RecordsData struct {
	Records   []schema.Record `json:"todos"`
	Total     int             `json:"total"`
	Completed int             `json:"completed"`
}

// NewSyncStateData converts an engine state
func NewSyncStateData(st engine.State) SyncStateData {
	d := SyncStateData{
		Phase:    st.Phase,
		Online:   st.IsOnline,
		Syncing:  st.IsSyncing,
		Pending:  st.Pending(),
		LastSync: st.LastSyncTime,
		Retry:    st.Retry,
	}
	if st.SyncError != nil {
		d.Error = st.SyncError.Error()
	}
	if st.StorageError != nil {
		d.StorageError = st.StorageError.Error()
	}
	return d
}

// NewRecordsData summarises a snapshot
func NewRecordsData(snap schema.Snapshot) RecordsData {
	d := RecordsData{Records: snap.Records, Total: len(snap.Records)}
	if d.Records == nil {
		d.Records = []schema.Record{}
	}
	for _, r := range snap.Records {
		if r.Completed {
			d.Completed++
		}
	}
	return d
}

// StateSource is satisfied by *engine.Engine
type StateSource interface {
	Status() engine.State
	Subscribe(fn func(engine.State)) *observer.Subscription
}

// NotificationSource is satisfied by *notify.Notifier
type NotificationSource interface {
	Current() (notify.Notification, bool)
	Subscribe(fn func(*notify.Notification)) *observer.Subscription
}

// RecordSource is satisfied by *todos.Collection
type RecordSource interface {
	Snapshot() schema.Snapshot
	Subscribe(fn func(schema.Snapshot)) *observer.Subscription
}

// Attach broadcasts every change from the given sources and sends their
// current values to clients as they connect. Nil sources are skipped. The
// returned function detaches.
func (s *Server) Attach(state StateSource, notes NotificationSource, records RecordSource) (detach func()) {
	var subs []*observer.Subscription

	if state != nil {
		subs = append(subs, state.Subscribe(func(st engine.State) {
			s.send(MessageTypeSyncState, NewSyncStateData(st))
		}))
	}
	if notes != nil {
		subs = append(subs, notes.Subscribe(func(n *notify.Notification) {
			s.send(MessageTypeNotification, n)
		}))
	}
	if records != nil {
		subs = append(subs, records.Subscribe(func(snap schema.Snapshot) {
			s.send(MessageTypeRecords, NewRecordsData(snap))
		}))
	}

	s.SetWelcome(func() []Message {
		var out []Message
		if state != nil {
			out = s.appendMessage(out, MessageTypeSyncState, NewSyncStateData(state.Status()))
		}
		if records != nil {
			out = s.appendMessage(out, MessageTypeRecords, NewRecordsData(records.Snapshot()))
		}
		if notes != nil {
			if n, ok := notes.Current(); ok {
				out = s.appendMessage(out, MessageTypeNotification, n)
			}
		}
		return out
	})

	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		s.SetWelcome(nil)
	}
}

func (s *Server) send(t MessageType, data any) {
	msg, err := NewMessage(t, data)
	if err != nil {
		s.logger.Printf("WARNING: %v", err)
		return
	}
	s.Broadcast(msg)
}

func (s *Server) appendMessage(out []Message, t MessageType, data any) []Message {
	msg, err := NewMessage(t, data)
	if err != nil {
		s.logger.Printf("WARNING: %v", err)
		return out
	}
	return append(out, msg)
}
