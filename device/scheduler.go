package device

import (
	"context"

	"github.com/tzkit/mcdaemon/mci"
)

// schedulerLoop is the cooperative pump of spec §4.7: while the secure
// world is Idle, block on schedSync; once it has work, alternate yield()
// calls with periodic nsiq() calls so a misbehaving Trustlet cannot starve
// other work on the core.
func (d *Device) schedulerLoop() {
	defer close(d.schedDone)

	for {
		select {
		case <-d.exiting:
			return
		default:
		}

		if d.region.Schedule() == mci.ScheduleIdle {
			if err := d.schedSync.Acquire(context.Background(), 1); err != nil {
				d.log.Error("schedSync acquire failed", "err", err)
				return
			}
			continue
		}

		if d.timeslice == 0 {
			d.timeslice = schedulingFreq
			if err := d.driver.FcNsiq(); err != nil {
				d.log.Error("nsiq failed", "err", err)
				return
			}
			continue
		}

		d.timeslice--
		if err := d.driver.FcYield(); err != nil {
			d.log.Error("yield failed", "err", err)
			return
		}
	}
}

// kickScheduler wakes SchedulerLoop out of its Idle wait. Called on every
// nsiq() issued elsewhere (Notify, MCP Call) and on every S-SIQ arrival
// (IrqLoop), per spec §5's schedSync definition.
func (d *Device) kickScheduler() {
	d.schedSync.Release(1)
}
