// Package web exposes the JSON-only HTTP API consumed by the (out of
// scope) browser UI and by automation runners, per spec.md §6.4. Every
// handler resolves the acting userID from the session/bearer boundary in
// internal/auth before touching any other component, so cross-user access
// is structurally impossible rather than merely checked.
package web

import (
	"github.com/portguard/portguard/internal/auth"
	"github.com/portguard/portguard/internal/batch"
	"github.com/portguard/portguard/internal/cache"
	"github.com/portguard/portguard/internal/clock"
	"github.com/portguard/portguard/internal/config"
	"github.com/portguard/portguard/internal/detector"
	"github.com/portguard/portguard/internal/intent"
	"github.com/portguard/portguard/internal/logging"
	"github.com/portguard/portguard/internal/notify"
	"github.com/portguard/portguard/internal/store"
)

// Dependencies aggregates every component C9 sits on top of. Constructed
// once in cmd/portguard and threaded into NewServer — no package-level
// globals.
type Dependencies struct {
	Store     *store.Store
	Auth      *auth.Service
	Cache     *cache.Cache
	Detector  *detector.Detector
	Scheduler *batch.Scheduler
	Intents   *intent.Engine
	Notify    *notify.Dispatcher
	Config    *config.Config
	Log       *logging.Logger
	Clock     clock.Clock
}
