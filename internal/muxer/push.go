package muxer

import (
	"github.com/zsiec/fanout/internal/events"
	"github.com/zsiec/fanout/internal/gop"
	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/push"
)

// pushEntry is one row of the push-session table.
type pushEntry struct {
	sender *push.Sender
	reader *gop.Reader[*media.Frame]
}

func (e *pushEntry) close() {
	e.reader.Close()
	e.sender.Close()
}

// StartPush forwards the stream to a remote endpoint. cb is called once
// with the local port or the failure, before the session is fed. The
// session joins the table only after it has connected.
func (m *Muxer) StartPush(args push.Args, cb func(localPort uint16, err error)) {
	if !m.general.EnablePush {
		cb(0, ErrPushDisabled)
		return
	}
	if m.closed.Load() {
		cb(0, ErrClosed)
		return
	}
	ring := m.ensureRing()
	s, err := push.NewSender(args, m.log)
	if err != nil {
		cb(0, err)
		return
	}
	id := args.SSRC

	s.SetOnClose(func(err error) {
		m.post(func() {
			m.removePush(id, s)
			m.hub.Publish(events.PushStopped{Stream: m.id, SSRC: id, Err: err, At: m.now()})
			m.log.Info("push stopped", "ssrc", id, "error", err)
		})
	})

	s.Start(m.ctx, func(port uint16, err error) {
		cb(port, err)
		if err != nil {
			return
		}
		owner := m.OwnerPoller()
		ok := owner.Async(func() {
			if s.Closed() || m.closed.Load() {
				s.Close()
				return
			}
			for _, t := range m.Tracks() {
				s.AddTrack(t)
			}
			s.AddTrackCompleted()

			rd := ring.Attach(owner, func(f *media.Frame) { s.InputFrame(f) })
			if rd == nil {
				s.Close()
				return
			}
			rd.SetDetachCB(func() { s.Close() })
			entry := &pushEntry{sender: s, reader: rd}

			m.pushMu.Lock()
			old := m.pushes[id]
			m.pushes[id] = entry
			m.pushMu.Unlock()
			if old != nil {
				old.close()
			}
			m.log.Info("push started", "ssrc", id, "dst", args.Addr(), "local_port", port)
		})
		if !ok {
			s.Close()
		}
	})
}

// removePush erases id only if it still belongs to s.
func (m *Muxer) removePush(id string, s *push.Sender) {
	m.pushMu.Lock()
	e, ok := m.pushes[id]
	if ok && e.sender == s {
		delete(m.pushes, id)
	}
	m.pushMu.Unlock()
	if ok && e.sender == s {
		e.reader.Close()
	}
}

// StopPush stops push session id. An empty id stops every session. It
// returns how many sessions were removed and whether any were.
func (m *Muxer) StopPush(id string) (int, bool) {
	if !m.general.EnablePush {
		return 0, false
	}
	m.pushMu.Lock()
	var stopped []*pushEntry
	if id == "" {
		for k, e := range m.pushes {
			stopped = append(stopped, e)
			delete(m.pushes, k)
		}
	} else if e, ok := m.pushes[id]; ok {
		stopped = append(stopped, e)
		delete(m.pushes, id)
	}
	m.pushMu.Unlock()

	for _, e := range stopped {
		e.close()
	}
	return len(stopped), len(stopped) > 0
}

// PushCount returns the number of active push sessions.
func (m *Muxer) PushCount() int {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()
	return len(m.pushes)
}

// Pushes returns the ids of the active push sessions.
func (m *Muxer) Pushes() []string {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()
	ids := make([]string, 0, len(m.pushes))
	for id := range m.pushes {
		ids = append(ids, id)
	}
	return ids
}
