package device

import (
	"github.com/tzkit/mcdaemon/mcp"
	"github.com/tzkit/mcdaemon/nq"
)

// irqLoop endlessly waits on S-SIQ and drains the MC->NWd queue on each
// wakeup, dispatching each notification to the MCP waiter or to the owning
// session, per spec §4.8. On S-SIQ failure it marks the device exiting and
// wakes any pending MCP caller with a Notification-kind failure.
func (d *Device) irqLoop() {
	defer close(d.irqDone)

	for {
		if _, err := d.driver.WaitSsiq(); err != nil {
			d.log.Error("wait s-siq failed, stopping irq loop", "err", err)
			d.mcpChan.Signal(true)
			return
		}

		select {
		case <-d.exiting:
			d.mcpChan.Signal(true)
			return
		default:
		}

		d.drainNotifications()
		d.kickScheduler()
	}
}

func (d *Device) drainNotifications() {
	for {
		n, ok := d.region.McToNWd.Get()
		if !ok {
			return
		}
		d.dispatch(n)
	}
}

func (d *Device) dispatch(n nq.Notification) {
	if n.SessionID == mcp.MCPSession {
		d.mcpChan.Signal(false)
		return
	}

	d.mu.Lock()
	session, ok := d.sessions[n.SessionID]
	d.mu.Unlock()

	if !ok {
		d.bufferUnknown(n)
		return
	}

	if n.Payload != 0 {
		session.setErrorInfo(n.Payload)
	}

	if session.NotifyFunc == nil {
		d.bufferUnknown(n)
		return
	}

	if err := session.NotifyFunc(n.Payload); err != nil {
		d.log.Error("notification delivery failed", "session_id", n.SessionID, "err", err)
	}
}

func (d *Device) bufferUnknown(n nq.Notification) {
	d.unknownMu.Lock()
	defer d.unknownMu.Unlock()
	d.unknownNotifications[n.SessionID] = append(d.unknownNotifications[n.SessionID], n)
}

// drainUnknownFor returns and clears any notifications buffered for
// sessionID before its notification channel attached (spec §4.8 scenario
// 5), in arrival order.
func (d *Device) drainUnknownFor(sessionID uint32) []nq.Notification {
	d.unknownMu.Lock()
	defer d.unknownMu.Unlock()

	pending := d.unknownNotifications[sessionID]
	delete(d.unknownNotifications, sessionID)
	return pending
}
