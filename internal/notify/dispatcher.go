package notify

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store is the subset of the persistence layer the dispatcher needs: a
// durable, tenant-scoped insert-if-absent for deduplication, and a user's
// configured channels.
type Store interface {
	SendNotificationDedup(userID, deduplicationKey, notificationType string, sentAt time.Time) (inserted bool, err error)
	GetNotificationChannels(userID string) ([]Channel, error)
}

// Dispatcher is the single consumer per user that turns an Event into zero
// or more outbound transport calls, guaranteeing at-most-once delivery per
// deduplication key even across process restarts.
type Dispatcher struct {
	store Store
	log   Logger

	mu       sync.Mutex
	notifier map[string]*Multi // userID -> built notifier chain, rebuilt on Reconfigure
}

// NewDispatcher creates a Dispatcher backed by store.
func NewDispatcher(store Store, log Logger) *Dispatcher {
	return &Dispatcher{store: store, log: log, notifier: make(map[string]*Multi)}
}

// Invalidate drops the cached notifier chain for a user so the next Publish
// rebuilds it from the user's current channel configuration.
func (d *Dispatcher) Invalidate(userID string) {
	d.mu.Lock()
	delete(d.notifier, userID)
	d.mu.Unlock()
}

func (d *Dispatcher) multiFor(userID string) (*Multi, error) {
	d.mu.Lock()
	m, ok := d.notifier[userID]
	d.mu.Unlock()
	if ok {
		return m, nil
	}

	channels, err := d.store.GetNotificationChannels(userID)
	if err != nil {
		return nil, fmt.Errorf("load notification channels: %w", err)
	}

	var notifiers []Notifier
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		n, err := BuildFilteredNotifier(ch)
		if err != nil {
			d.log.Error("notify: skipping misconfigured channel", "user", userID, "channel", ch.Name, "error", err)
			continue
		}
		notifiers = append(notifiers, n)
	}

	m = NewMulti(d.log, notifiers...)
	d.mu.Lock()
	d.notifier[userID] = m
	d.mu.Unlock()
	return m, nil
}

// Publish delivers event under deduplicationKey for userID, guaranteeing
// the underlying transports are only ever invoked once per key. Returns
// whether a new notification was actually sent (false means this key was
// already delivered, or every configured channel failed).
func (d *Dispatcher) Publish(ctx context.Context, userID, deduplicationKey string, event Event) (bool, error) {
	inserted, err := d.store.SendNotificationDedup(userID, deduplicationKey, string(event.Type), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record notification sent: %w", err)
	}
	if !inserted {
		return false, nil
	}

	m, err := d.multiFor(userID)
	if err != nil {
		return false, err
	}
	return m.Notify(ctx, event), nil
}

// UpdateAvailableKey builds the deduplication key spec.md §4.8 defines for
// a detected-update event: stable per (user, image, latest digest) so a
// repeated detector pass never re-announces the same upstream digest.
func UpdateAvailableKey(userID, imageRepo, latestDigest string) string {
	return fmt.Sprintf("update:%s:%s:%s", userID, imageRepo, latestDigest)
}

// UpgradeOutcomeKey builds the deduplication key for one container's
// upgrade outcome within one intent execution.
func UpgradeOutcomeKey(userID, executionID, containerID string) string {
	return fmt.Sprintf("upgrade:%s:%s:%s", userID, executionID, containerID)
}

// BatchSummaryKey builds the deduplication key for one batch run's
// consolidated summary notification.
func BatchSummaryKey(userID, runID string) string {
	return fmt.Sprintf("batch:%s:%s", userID, runID)
}

// BatchStartKey builds the deduplication key for one batch run's
// started-running announcement, distinct from its summary so both can fire
// for the same run without colliding on the dispatcher's dedup window.
func BatchStartKey(userID, runID string) string {
	return fmt.Sprintf("batch-start:%s:%s", userID, runID)
}

// TrackedAppUpdateKey builds the deduplication key for a tracked app's
// detected-update event, stable per (user, app, latest version/digest) so
// a repeated tracked-apps-check pass never re-announces the same upstream
// release.
func TrackedAppUpdateKey(userID, trackedAppID, latest string) string {
	return fmt.Sprintf("tracked-app-update:%s:%s:%s", userID, trackedAppID, latest)
}
