package conn

import (
	"time"

	"github.com/orchestra-mcp/chatsync/src/clock"
	"github.com/rs/zerolog"
)

// Heartbeat keeps an open connection alive. After interval without inbound
// traffic it sends a ping and arms a watchdog of the same interval; if the
// watchdog fires before any traffic arrives the connection is declared dead.
//
// All methods run on the event loop. Timer callbacks are posted back to the
// loop and carry the generation they were armed in, so a cancelled timer
// never acts.
type Heartbeat struct {
	clock    clock.Clock
	interval time.Duration
	post     func(func()) bool
	ping     func() error
	onDead   func()
	logger   zerolog.Logger

	running bool
	gen     uint64
	next    *clock.Timer
	dead    *clock.Timer
}

// NewHeartbeat creates a stopped monitor.
func NewHeartbeat(clk clock.Clock, interval time.Duration, post func(func()) bool, ping func() error, onDead func(), logger zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		clock:    clk,
		interval: interval,
		post:     post,
		ping:     ping,
		onDead:   onDead,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Start schedules the first ping.
func (h *Heartbeat) Start() {
	h.running = true
	h.schedule()
}

// Stop cancels both timers.
func (h *Heartbeat) Stop() {
	h.running = false
	h.cancel()
}

// Running reports whether the monitor is active.
func (h *Heartbeat) Running() bool {
	return h.running
}

// Traffic records an inbound frame: the watchdog is cancelled and the next
// ping is rescheduled a full interval from now.
func (h *Heartbeat) Traffic() {
	if !h.running {
		return
	}
	h.schedule()
}

func (h *Heartbeat) schedule() {
	h.cancel()
	gen := h.gen
	h.next = h.clock.AfterFunc(h.interval, func() {
		h.post(func() {
			if gen != h.gen || !h.running {
				return
			}
			h.beat()
		})
	})
}

func (h *Heartbeat) beat() {
	if err := h.ping(); err != nil {
		h.logger.Warn().Err(err).Msg("ping failed")
	}
	gen := h.gen
	h.dead = h.clock.AfterFunc(h.interval, func() {
		h.post(func() {
			if gen != h.gen || !h.running {
				return
			}
			h.logger.Warn().Dur("interval", h.interval).Msg("no traffic after ping, closing connection")
			h.Stop()
			h.onDead()
		})
	})
}

func (h *Heartbeat) cancel() {
	h.gen++
	h.next.Stop()
	h.dead.Stop()
	h.next, h.dead = nil, nil
}
