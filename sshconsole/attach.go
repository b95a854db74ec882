package sshconsole

import (
	"context"
	"strings"
	"sync/atomic"

	"pkt.systems/gantry/internal/eventbus"
	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/schema"
)

// detachByte ends an attach (Ctrl-]).
const detachByte = 0x1d

// attach streams a shell tab over the console: buffered scrollback is
// replayed, live output is written through raw, and keystrokes are
// forwarded until Ctrl-] or session end. The console keeps exactly one
// reader: input is pulled byte-wise off the shared buffered reader so
// typed-ahead commands survive the detach.
func (c *console) attach(ctx context.Context, key schema.TabKey) error {
	log := logx.WithUserTab(ctx, c.userID, key)

	var events <-chan eventbus.Event
	unsubscribe := func() {}
	if c.bus != nil {
		events, unsubscribe = c.bus.Subscribe(c.userID)
	}
	defer unsubscribe()

	c.mu.Lock()
	c.attached = key
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.attached = ""
		c.mu.Unlock()
	}()

	geometry := c.currentGeometry()
	if geometry.Cols > 0 && geometry.Rows > 0 {
		if _, err := c.service.ResizeTab(ctx, schema.ResizeTabRequest{
			UserID:   c.userID,
			Key:      key,
			Geometry: geometry,
		}); err != nil {
			log.Debug("console attach resize failed", "err", err)
		}
	}

	c.printf("attached to %s; Ctrl-] detaches\r\n", key)
	if buffer, err := c.service.GetBuffer(ctx, schema.GetBufferRequest{UserID: c.userID, Key: key}); err == nil {
		if len(buffer.Buffer.Lines) > 0 {
			c.writeRaw([]byte(strings.Join(buffer.Buffer.Lines, "\r\n") + "\r\n"))
		}
	} else {
		log.Debug("console attach replay failed", "err", err)
	}

	var ended atomic.Bool
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				c.handleAttachedEvent(event, &ended)
			}
		}
	}()

	log.Info("console attached")
	defer log.Info("console detached")

	pending := make([]byte, 0, 256)
	for {
		b, err := c.rw.r.ReadByte()
		if err != nil {
			return err
		}
		if ended.Load() {
			// The wake-up byte is swallowed, not forwarded.
			c.printf("\r\n")
			return nil
		}
		if b == detachByte {
			c.forwardInput(ctx, pending)
			c.printf("\r\n")
			return nil
		}
		pending = append(pending, b)
		if c.rw.r.Buffered() == 0 {
			c.forwardInput(ctx, pending)
			pending = pending[:0]
		}
	}
}

// handleAttachedEvent writes output through and watches for the end of
// the attached session. Rekeys retarget the attach so a display-style
// key swap does not orphan it.
func (c *console) handleAttachedEvent(event eventbus.Event, ended *atomic.Bool) {
	c.mu.Lock()
	key := c.attached
	c.mu.Unlock()
	if key == "" {
		return
	}
	switch event.Type {
	case eventbus.EventOutput:
		if event.Output.Key == key {
			c.writeRaw(event.Output.Data)
		}
	case eventbus.EventTab:
		tab := event.Tab
		if tab.Type == schema.TabEventRekeyed && tab.OldKey == key {
			c.mu.Lock()
			c.attached = tab.Tab.Key
			c.mu.Unlock()
			return
		}
		if tab.Tab.Key != key {
			return
		}
		if tab.Type == schema.TabEventClosed || (tab.Type == schema.TabEventPhase && tab.Tab.Phase.Terminal()) {
			if ended.CompareAndSwap(false, true) {
				c.writeRaw([]byte("\r\n[session ended; press any key]\r\n"))
			}
		}
	}
}

func (c *console) forwardInput(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	key := c.attached
	c.mu.Unlock()
	if key == "" {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	if _, err := c.service.WriteInput(ctx, schema.WriteInputRequest{
		UserID: c.userID,
		Key:    key,
		Data:   buf,
	}); err != nil {
		logx.WithUserTab(ctx, c.userID, key).Debug("console input dropped", "err", err)
	}
}
