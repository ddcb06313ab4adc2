package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const laneDepth = 32

type job struct {
	ctx     context.Context
	msg     Message
	deliver func(reply string)
}

// Dispatcher serializes turns per user x channel lane while letting
// different conversations run in parallel. One goroutine per lane,
// started on first use.
type Dispatcher struct {
	mgr *Manager

	mu     sync.Mutex
	lanes  map[string]chan job
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(mgr *Manager) *Dispatcher {
	return &Dispatcher{mgr: mgr, lanes: make(map[string]chan job)}
}

// Submit queues the message on its lane. Cancel messages skip the
// queue so they can reach a turn already in flight.
func (d *Dispatcher) Submit(ctx context.Context, msg Message, deliver func(reply string)) {
	if cancelRe.MatchString(strings.TrimSpace(msg.Text)) {
		reply, err := d.mgr.ProcessMessage(ctx, msg)
		if err != nil {
			slog.Error("cancel handling failed", "error", err)
			return
		}
		if reply != "" && deliver != nil {
			deliver(reply)
		}
		return
	}

	lane := d.laneFor(msg.UserID, msg.Channel)
	if lane == nil {
		return
	}
	select {
	case lane <- job{ctx: ctx, msg: msg, deliver: deliver}:
	default:
		slog.Warn("lane full, refusing message", "user", msg.UserID, "channel", msg.Channel)
		if deliver != nil {
			deliver("I'm still working through your earlier messages; give me a moment.")
		}
	}
}

func (d *Dispatcher) laneFor(userID, channel string) chan job {
	key := userID + "|" + channel
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	lane, ok := d.lanes[key]
	if !ok {
		lane = make(chan job, laneDepth)
		d.lanes[key] = lane
		d.wg.Add(1)
		go d.run(lane)
	}
	return lane
}

func (d *Dispatcher) run(lane chan job) {
	defer d.wg.Done()
	for j := range lane {
		reply, err := d.mgr.ProcessMessage(j.ctx, j.msg)
		if err != nil {
			slog.Error("process message", "user", j.msg.UserID, "channel", j.msg.Channel, "error", err)
			continue
		}
		if reply != "" && j.deliver != nil {
			j.deliver(reply)
		}
	}
}

// Close stops accepting work, drains the lanes, and waits for
// in-flight turns to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
