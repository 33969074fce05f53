package dispatch

import (
	"context"
	"fmt"
	"sync"

	appconfig "floorwatch/config"
	"floorwatch/logger"
	"floorwatch/notify"
)

// Registry creates one dispatcher per chat on first use and fans alert
// messages out to them. Dispatcher workers share the registry lifecycle.
type Registry struct {
	config      *appconfig.DispatchConfig
	sender      notify.Sender
	ctx         context.Context
	cancel      context.CancelFunc
	wg          *sync.WaitGroup
	mu          sync.Mutex
	running     bool
	dispatchers map[int64]*Dispatcher
	log         *logger.Log
}

func NewRegistry(cfg *appconfig.DispatchConfig, sender notify.Sender) *Registry {
	return &Registry{
		config:      cfg,
		sender:      sender,
		wg:          &sync.WaitGroup{},
		dispatchers: make(map[int64]*Dispatcher),
		log:         logger.GetLogger(),
	}
}

func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("dispatch registry already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.log.WithComponent("dispatch_registry").WithFields(logger.Fields{
		"queue_size":  r.config.QueueSize,
		"max_payload": r.config.MaxPayload,
	}).Info("dispatch registry started")
	return nil
}

func (r *Registry) Stop() {
	r.mu.Lock()
	r.running = false
	if r.cancel != nil {
		r.cancel()
	}
	count := len(r.dispatchers)
	r.mu.Unlock()

	r.log.WithComponent("dispatch_registry").Info("stopping dispatch registry")
	r.wg.Wait()
	r.log.WithComponent("dispatch_registry").WithFields(logger.Fields{
		"dispatchers": count,
	}).Info("dispatch registry stopped")
}

// Enqueue routes a rendered message to the chat's dispatcher, creating it
// on first use. Returns false when the registry is stopped or the chat's
// queue is full.
func (r *Registry) Enqueue(chatID int64, msg string) bool {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return false
	}
	d, ok := r.dispatchers[chatID]
	if !ok {
		d = newDispatcher(chatID, r.config, r.sender)
		r.dispatchers[chatID] = d
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			d.run(r.ctx)
		}()
		r.log.WithComponent("dispatch_registry").WithFields(logger.Fields{
			"chat_id": chatID,
		}).Info("dispatcher created")
	}
	r.mu.Unlock()

	return d.enqueue(msg)
}
