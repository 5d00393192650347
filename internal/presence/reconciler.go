// Package presence keeps the durable online flag in step with the connection
// registry and announces transitions through the hub.
package presence

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/launchchat/internal/auth"
	"github.com/Tyrowin/launchchat/internal/hub"
	"github.com/Tyrowin/launchchat/internal/store"
)

// ErrDurableWrite wraps failures of the presence store.
var ErrDurableWrite = errors.New("presence store write failed")

// Store is the durable side of presence.
type Store interface {
	SetPresence(ctx context.Context, p store.Presence) error
	ClearOnline(ctx context.Context) (int64, error)
}

// Recorder receives presence write outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	PresenceWrite(transition string, err error)
}

type nopRecorder struct{}

func (nopRecorder) PresenceWrite(string, error) {}

const stripes = 64

// Reconciler applies authenticate and disconnect transitions to the registry
// and the presence store. Transitions for one identity are serialized by a
// striped lock, so the registry lock is never held across store I/O.
type Reconciler struct {
	hub      *hub.Hub
	registry *hub.Registry
	store    Store
	log      logrus.FieldLogger
	recorder Recorder
	now      func() time.Time

	locks [stripes]sync.Mutex
}

// NewReconciler creates a reconciler over h's registry and s.
func NewReconciler(h *hub.Hub, s Store, log logrus.FieldLogger, recorder Recorder) *Reconciler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Reconciler{
		hub:      h,
		registry: h.Registry(),
		store:    s,
		log:      log,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) lockFor(identityID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identityID))
	return &r.locks[h.Sum32()%stripes]
}

// Connect binds connID to id. On the identity's first live connection the
// store is flipped online and userOnline is published. If that write fails
// the binding is undone, nothing is published, and ErrDurableWrite is returned.
func (r *Reconciler) Connect(ctx context.Context, connID string, id auth.Identity) error {
	mu := r.lockFor(id.ID)
	mu.Lock()
	defer mu.Unlock()

	first, err := r.registry.Authenticate(connID, id)
	if err != nil {
		return err
	}
	if !first {
		r.log.WithFields(logrus.Fields{
			"conn_id":  connID,
			"user_id":  id.ID,
			"sessions": r.registry.Sessions(id.ID),
		}).Debug("Additional session for online user")
		return nil
	}

	err = r.store.SetPresence(ctx, store.Presence{
		IdentityID: id.ID,
		Username:   id.Username,
		Online:     true,
		LastSeen:   r.now(),
	})
	r.recorder.PresenceWrite("online", err)
	if err != nil {
		r.registry.Revoke(connID)
		return fmt.Errorf("%w: %v", ErrDurableWrite, err)
	}

	if _, err := r.hub.Publish(hub.PresenceEvent(true, id)); err != nil {
		r.log.WithError(err).Error("Failed to publish online event")
	}
	r.log.WithFields(logrus.Fields{"user_id": id.ID, "username": id.Username}).Info("User online")
	return nil
}

// Disconnect removes connID. When it was the identity's last live connection
// the store is flipped offline and userOffline is published. A failed store
// write is logged; the event still goes out because the registry no longer
// holds the identity, and the next startup sweep repairs the flag.
func (r *Reconciler) Disconnect(ctx context.Context, connID string) (hub.Departure, error) {
	id, bound := r.registry.Identity(connID)
	if !bound {
		dep, _ := r.registry.Unregister(connID)
		if dep.Authenticated {
			// Bound between the lookup and removal; take the slow path.
			return dep, r.departed(ctx, dep)
		}
		return dep, nil
	}

	mu := r.lockFor(id.ID)
	mu.Lock()
	defer mu.Unlock()

	dep, _ := r.registry.Unregister(connID)
	return dep, r.departedLocked(ctx, dep)
}

func (r *Reconciler) departed(ctx context.Context, dep hub.Departure) error {
	mu := r.lockFor(dep.Identity.ID)
	mu.Lock()
	defer mu.Unlock()
	return r.departedLocked(ctx, dep)
}

func (r *Reconciler) departedLocked(ctx context.Context, dep hub.Departure) error {
	if !dep.Authenticated || !dep.Last {
		return nil
	}

	var writeErr error
	err := r.store.SetPresence(ctx, store.Presence{
		IdentityID: dep.Identity.ID,
		Username:   dep.Identity.Username,
		Online:     false,
		LastSeen:   r.now(),
	})
	r.recorder.PresenceWrite("offline", err)
	if err != nil {
		writeErr = fmt.Errorf("%w: %v", ErrDurableWrite, err)
		r.log.WithError(err).WithField("user_id", dep.Identity.ID).Error("Failed to mark user offline")
	}

	if _, err := r.hub.Publish(hub.PresenceEvent(false, dep.Identity)); err != nil {
		r.log.WithError(err).Error("Failed to publish offline event")
	}
	r.log.WithFields(logrus.Fields{"user_id": dep.Identity.ID, "username": dep.Identity.Username}).Info("User offline")
	return writeErr
}

// Sweep clears every durable online flag. It runs once at startup, before
// the listener accepts connections, because no connection survives a restart.
func (r *Reconciler) Sweep(ctx context.Context) (int64, error) {
	n, err := r.store.ClearOnline(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDurableWrite, err)
	}
	r.log.WithField("cleared", n).Info("Cleared stale online flags")
	return n, nil
}
