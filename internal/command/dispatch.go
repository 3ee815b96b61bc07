package command

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"wattgate/internal/logs"
	"wattgate/internal/models"
)

// ErrNoDevice means no device has ever reported for the appliance, so there
// is nowhere to send a command.
var ErrNoDevice = errors.New("no device has reported for this appliance")

// ValidationError rejects a malformed schedule request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DeliveryTarget abstracts how a command reaches a device, so dispatch logic
// does not care whether the device holds a push channel or polls.
type DeliveryTarget interface {
	// Deliver attempts an immediate push; false means the command stays
	// queued for poll pickup.
	Deliver(deviceID string, relay int, state bool) bool
}

// PollOnly is the delivery target for devices without a push channel: every
// command waits for poll pickup.
type PollOnly struct{}

func (PollOnly) Deliver(string, int, bool) bool { return false }

// Broadcaster mirrors issued commands to observer sessions.
type Broadcaster interface {
	Broadcast(v any)
}

// CommandEvent is the observer-facing record of an issued command.
type CommandEvent struct {
	Type      string `json:"type"` // "command"
	DeviceID  string `json:"deviceId"`
	Relay     int    `json:"relay"`
	State     bool   `json:"state"`
	Delivered bool   `json:"delivered"`
}

type scheduleEntry struct {
	onTimer  *time.Timer
	offTimer *time.Timer
}

func (e *scheduleEntry) stop() {
	if e.onTimer != nil {
		e.onTimer.Stop()
	}
	if e.offTimer != nil {
		e.offTimer.Stop()
	}
}

// Dispatcher owns the full command lifecycle: immediate issue, deferred
// on/off schedules, and poll pickup. Commands are delivered at most once and
// expire after the configured TTL.
type Dispatcher struct {
	repo   *Repo
	target DeliveryTarget
	bcast  Broadcaster
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	schedules map[uint]*scheduleEntry // applianceID -> armed timers
	stopped   bool
}

func NewDispatcher(repo *Repo, target DeliveryTarget, bcast Broadcaster, ttl time.Duration) *Dispatcher {
	if target == nil {
		target = PollOnly{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Dispatcher{
		repo:      repo,
		target:    target,
		bcast:     bcast,
		ttl:       ttl,
		now:       time.Now,
		schedules: make(map[uint]*scheduleEntry),
	}
}

// IssueImmediate persists a command for the appliance's owning device and
// attempts push delivery. A failed push is not an error: the command stays
// queued for poll pickup until it expires. Returns whether the push landed.
func (d *Dispatcher) IssueImmediate(applianceID uint, state bool) (bool, error) {
	ap, err := d.repo.GetAppliance(applianceID)
	if err != nil {
		return false, err
	}
	deviceID, err := d.repo.LatestDeviceFor(ap.ID)
	if err != nil {
		return false, ErrNoDevice
	}
	return d.issue(deviceID, ap.Relay, state, nil)
}

// AutoOff enqueues a safety cut-off for a relay that tripped the power
// ceiling. Called inline from the ingestion pipeline; never fails the caller.
func (d *Dispatcher) AutoOff(deviceID string, relay int) {
	if _, err := d.issue(deviceID, relay, false, nil); err != nil {
		logs.Logger.WithFields(map[string]any{"device": deviceID, "relay": relay}).
			Errorf("auto-off: %v", err)
	}
}

func (d *Dispatcher) issue(deviceID string, relay int, state bool, scheduledAt *time.Time) (bool, error) {
	cmd := models.Command{
		DeviceID:    deviceID,
		Relay:       relay,
		State:       state,
		ExpiresAt:   d.now().Add(d.ttl),
		ScheduledAt: scheduledAt,
	}
	if err := d.repo.Create(&cmd); err != nil {
		return false, err
	}

	delivered := d.target.Deliver(deviceID, relay, state)
	if delivered {
		if err := d.repo.MarkDelivered(cmd.ID); err != nil {
			logs.Logger.Warnf("mark delivered %d: %v", cmd.ID, err)
		}
	}

	if d.bcast != nil {
		d.bcast.Broadcast(CommandEvent{
			Type: "command", DeviceID: deviceID, Relay: relay, State: state, Delivered: delivered,
		})
	}
	return delivered, nil
}

// Schedule persists an on/off window for the appliance and arms the two
// deferred triggers. A second call for the same appliance supersedes the
// first pair entirely; stale timers never fire after a reschedule.
func (d *Dispatcher) Schedule(applianceID uint, on, off time.Time) error {
	if on.IsZero() {
		return &ValidationError{Field: "onTime", Reason: "required"}
	}
	if off.IsZero() {
		return &ValidationError{Field: "offTime", Reason: "required"}
	}
	if !off.After(on) {
		return &ValidationError{Field: "offTime", Reason: "must be after onTime"}
	}

	if _, err := d.repo.GetAppliance(applianceID); err != nil {
		return err
	}
	if err := d.repo.SetSchedule(applianceID, on, off); err != nil {
		return err
	}
	d.arm(applianceID, on, off)
	return nil
}

func (d *Dispatcher) arm(applianceID uint, on, off time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if prev, ok := d.schedules[applianceID]; ok {
		prev.stop()
	}
	e := &scheduleEntry{}
	e.onTimer = time.AfterFunc(time.Until(on), func() { d.fire(applianceID, true, false) })
	e.offTimer = time.AfterFunc(time.Until(off), func() { d.fire(applianceID, false, true) })
	d.schedules[applianceID] = e
}

// fire runs on the timer goroutine; persistence failures are logged, never
// retried, and never crash the process.
func (d *Dispatcher) fire(applianceID uint, state, final bool) {
	delivered, err := d.IssueImmediate(applianceID, state)
	entry := logs.Logger.WithFields(map[string]any{"appliance": applianceID, "state": state})
	if err != nil {
		entry.Errorf("scheduled transition: %v", err)
	} else {
		entry.WithField("delivered", delivered).Info("scheduled transition fired")
	}

	if final {
		d.mu.Lock()
		delete(d.schedules, applianceID)
		d.mu.Unlock()
		if err := d.repo.ClearSchedule(applianceID); err != nil {
			entry.Warnf("clear schedule: %v", err)
		}
	}
}

// CancelSchedule disarms pending triggers and clears the schedule fields.
func (d *Dispatcher) CancelSchedule(applianceID uint) error {
	d.mu.Lock()
	if e, ok := d.schedules[applianceID]; ok {
		e.stop()
		delete(d.schedules, applianceID)
	}
	d.mu.Unlock()
	return d.repo.ClearSchedule(applianceID)
}

// PollPending hands the device its oldest deliverable command, if any,
// marking it delivered (at-most-once; a device that polls and then dies
// loses that command by design of the TTL window).
func (d *Dispatcher) PollPending(deviceID string) (*models.Command, error) {
	return d.repo.TakePending(deviceID, d.now())
}

// RearmPersisted re-arms schedules that survived a restart. DB fields are
// already set, so only the timers are rebuilt.
func (d *Dispatcher) RearmPersisted() error {
	aps, err := d.repo.ListScheduled(d.now())
	if err != nil {
		return err
	}
	for _, ap := range aps {
		if ap.ScheduleOn == nil || ap.ScheduleOff == nil {
			continue
		}
		d.arm(ap.ID, *ap.ScheduleOn, *ap.ScheduleOff)
		logs.Logger.WithField("appliance", ap.ID).Info("re-armed persisted schedule")
	}
	return nil
}

// Stop disarms every schedule; pending commands stay in the store.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, e := range d.schedules {
		e.stop()
		delete(d.schedules, id)
	}
}
