package watch

import (
	"context"
	"errors"
	"sync"

	"github.com/nerrad567/dryerlink-core/internal/device"
)

const fleetEventBuffer = 16

// FleetEvent is one change in a user's fleet.
//
// Exactly one of the following holds: Err is set (the device watch, or the
// index watch when DeviceID is empty, has terminated), Removed is set (the
// device left the index), or Device carries the latest device state.
type FleetEvent struct {
	DeviceID string
	Device   device.Device
	Removed  bool
	Err      error
}

// Fleet follows a user's device index and keeps exactly one device watch
// per listed id.
type Fleet struct {
	w      *Watcher
	userID string
	events chan FleetEvent
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	// sendMu orders emits so a Removed event is never followed by a stale
	// update for the same member.
	sendMu  sync.Mutex
	mu      sync.Mutex
	order   []string
	members map[string]*fleetMember
}

type fleetMember struct {
	sub *Subscription[device.Device]
}

// WatchFleet starts following the devices of userID. Close must be called
// to release the watches.
func (w *Watcher) WatchFleet(ctx context.Context, userID string) (*Fleet, error) {
	index, err := w.WatchUserDevices(ctx, userID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	f := &Fleet{
		w:       w,
		userID:  userID,
		events:  make(chan FleetEvent, fleetEventBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
		members: make(map[string]*fleetMember),
	}
	go f.run(ctx, index)
	return f, nil
}

// Events returns the fleet event stream. It is closed once the fleet stops.
func (f *Fleet) Events() <-chan FleetEvent {
	return f.events
}

// DeviceIDs returns the ids currently followed, in index order.
func (f *Fleet) DeviceIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.order))
	copy(ids, f.order)
	return ids
}

// Close stops the fleet and every watch it holds, then waits for the
// event stream to close.
func (f *Fleet) Close() {
	f.cancel()
	<-f.done
}

func (f *Fleet) run(ctx context.Context, index *Subscription[[]string]) {
	defer close(f.done)

	for {
		ids, err := index.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrClosed) {
				f.w.logger.Warn("fleet index watch ended", "user_id", f.userID, "error", err)
				f.send(ctx, FleetEvent{Err: err})
			}
			break
		}
		f.reconcile(ctx, ids)
	}

	f.cancel()
	index.Close()

	f.mu.Lock()
	members := f.members
	f.members = make(map[string]*fleetMember)
	f.order = nil
	f.mu.Unlock()
	for _, m := range members {
		m.sub.Close()
	}

	f.wg.Wait()
	close(f.events)
}

// reconcile closes watches for ids that left the index and opens watches
// for new ones.
func (f *Fleet) reconcile(ctx context.Context, ids []string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	f.mu.Lock()
	var removed []string
	for id, m := range f.members {
		if _, ok := want[id]; !ok {
			m.sub.Close()
			delete(f.members, id)
			removed = append(removed, id)
		}
	}
	f.syncOrderLocked(ids)
	f.mu.Unlock()

	for _, id := range removed {
		f.w.logger.Debug("fleet device removed", "user_id", f.userID, "device_id", id)
		f.send(ctx, FleetEvent{DeviceID: id, Removed: true})
	}

	for _, id := range ids {
		f.mu.Lock()
		_, have := f.members[id]
		f.mu.Unlock()
		if have {
			continue
		}

		sub, err := f.w.WatchDevice(ctx, id)
		if err != nil {
			// Not tracked, so the next index change retries it.
			f.w.logger.Warn("fleet device watch failed", "user_id", f.userID, "device_id", id, "error", err)
			f.send(ctx, FleetEvent{DeviceID: id, Err: err})
			continue
		}

		m := &fleetMember{sub: sub}
		f.mu.Lock()
		f.members[id] = m
		f.mu.Unlock()

		f.wg.Add(1)
		go f.forward(ctx, id, m)
	}

	f.mu.Lock()
	f.syncOrderLocked(ids)
	f.mu.Unlock()
}

func (f *Fleet) syncOrderLocked(ids []string) {
	f.order = f.order[:0]
	for _, id := range ids {
		if _, ok := f.members[id]; ok {
			f.order = append(f.order, id)
		}
	}
}

// forward relays one device watch. A device watch that fails stays a member
// with no further updates until it leaves the index.
func (f *Fleet) forward(ctx context.Context, id string, m *fleetMember) {
	defer f.wg.Done()
	for {
		d, err := m.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrClosed) {
				f.sendFor(ctx, m, FleetEvent{DeviceID: id, Err: err})
			}
			return
		}
		if !f.sendFor(ctx, m, FleetEvent{DeviceID: id, Device: d}) {
			return
		}
	}
}

// sendFor emits ev only while m is still the member for ev.DeviceID.
func (f *Fleet) sendFor(ctx context.Context, m *fleetMember, ev FleetEvent) bool {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	f.mu.Lock()
	current := f.members[ev.DeviceID] == m
	f.mu.Unlock()
	if !current {
		return false
	}
	return f.sendLocked(ctx, ev)
}

func (f *Fleet) send(ctx context.Context, ev FleetEvent) bool {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	return f.sendLocked(ctx, ev)
}

func (f *Fleet) sendLocked(ctx context.Context, ev FleetEvent) bool {
	select {
	case f.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
