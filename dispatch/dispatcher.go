package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	appconfig "floorwatch/config"
	"floorwatch/logger"
	"floorwatch/notify"
)

// Dispatcher owns delivery for a single chat. It paces sends, coalesces
// queued messages into one payload and honors flood-control waits without
// losing anything queued in the meantime.
type Dispatcher struct {
	chatID int64
	config *appconfig.DispatchConfig
	sender notify.Sender
	queue  chan string
	log    *logger.Log

	// Worker-local state, touched only by run().
	pending    []string
	recent     []time.Time
	lastSend   time.Time
	floodUntil time.Time
}

func newDispatcher(chatID int64, cfg *appconfig.DispatchConfig, sender notify.Sender) *Dispatcher {
	return &Dispatcher{
		chatID: chatID,
		config: cfg,
		sender: sender,
		queue:  make(chan string, cfg.QueueSize),
		log:    logger.GetLogger(),
	}
}

// enqueue offers a message without blocking. A full queue drops it.
func (d *Dispatcher) enqueue(msg string) bool {
	select {
	case d.queue <- msg:
		return true
	default:
		d.log.WithComponent("dispatcher").WithFields(logger.Fields{
			"chat_id": d.chatID,
		}).Warn("dispatch queue full, alert dropped")
		return false
	}
}

// messagesLimit is the number of sends within the window that trips the
// slow pacing delay.
func (d *Dispatcher) messagesLimit() int {
	limit := 2 * int(d.config.Window.Std().Seconds())
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (d *Dispatcher) run(ctx context.Context) {
	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"chat_id": d.chatID})

	for {
		if len(d.pending) == 0 {
			select {
			case <-ctx.Done():
				return
			case msg := <-d.queue:
				d.pending = append(d.pending, msg)
			}
		}
		d.drain()

		now := time.Now()
		if d.floodUntil.After(now) {
			// Flood wait: messages queued during the wait join the
			// pending batch instead of being thrown away.
			if !sleepUntil(ctx, d.floodUntil) {
				return
			}
			d.floodUntil = time.Time{}
			d.drain()
		} else {
			d.pruneWindow(now)
			delay := d.config.BaseDelay.Std()
			if len(d.recent) >= d.messagesLimit() {
				delay = d.config.MaxDelay.Std()
			}
			if !sleepUntil(ctx, d.lastSend.Add(delay)) {
				return
			}
			d.drain()
		}

		maxPayload := d.config.MaxPayload
		if len(d.pending) > 0 && len(d.pending[0]) > maxPayload {
			log.WithFields(logger.Fields{
				"size": len(d.pending[0]),
			}).Warn("message exceeds payload limit, dropped")
			d.pending = d.pending[1:]
			continue
		}

		batch, rest := splitBatch(d.pending, maxPayload)
		if len(batch) == 0 {
			continue
		}
		d.pending = rest
		text := strings.Join(batch, "\n\n")

		err := d.sender.Send(ctx, d.chatID, text)
		var retry *notify.RetryAfterError
		switch {
		case err == nil:
			sent := time.Now()
			d.lastSend = sent
			d.recent = append(d.recent, sent)
			logger.IncrementAlertSent(len(text))
		case errors.As(err, &retry):
			// Requeue the whole batch ahead of anything newer and wait
			// out the penalty.
			d.pending = append(append([]string{}, batch...), d.pending...)
			d.floodUntil = time.Now().Add(retry.After)
			log.WithFields(logger.Fields{
				"retry_after": retry.After.String(),
				"pending":     len(d.pending),
			}).Warn("flood control hit, batch requeued")
		case ctx.Err() != nil:
			return
		default:
			log.WithError(err).WithFields(logger.Fields{
				"messages": len(batch),
			}).Error("delivery failed, batch dropped")
		}
	}
}

// drain moves everything currently queued into the pending batch.
func (d *Dispatcher) drain() {
	for {
		select {
		case msg := <-d.queue:
			d.pending = append(d.pending, msg)
		default:
			return
		}
	}
}

// pruneWindow drops send timestamps that fell out of the pacing window.
func (d *Dispatcher) pruneWindow(now time.Time) {
	cutoff := now.Add(-d.config.Window.Std())
	kept := d.recent[:0]
	for _, ts := range d.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	d.recent = kept
}

// splitBatch takes the longest message prefix whose coalesced size fits the
// payload limit, counting the two-byte separator between messages.
func splitBatch(pending []string, maxPayload int) (batch, rest []string) {
	size := 0
	i := 0
	for ; i < len(pending); i++ {
		need := len(pending[i])
		if i > 0 {
			need += 2
		}
		if size+need > maxPayload {
			break
		}
		size += need
	}
	return pending[:i], pending[i:]
}

// sleepUntil sleeps until the deadline unless the context ends first. It
// reports whether the deadline was reached.
func sleepUntil(ctx context.Context, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
