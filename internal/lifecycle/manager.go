// Package lifecycle is the supervisory engine: it polls every live
// session, classifies its state against runtime, agent, and SCM probes,
// records transitions, dispatches configured reactions with retry and
// escalation, and drives plan, outcome, and retrospective side effects.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/fleet/internal/config"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/plans"
	"github.com/joescharf/fleet/internal/plugin"
	"github.com/joescharf/fleet/internal/sessions"
	"github.com/joescharf/fleet/internal/stores"
)

const (
	// probeTimeout bounds each read-only SCM/CI probe.
	probeTimeout = 4 * time.Second
	// actionTimeout bounds mutating plugin actions (sends, spawns).
	actionTimeout = 30 * time.Second
	// cycleFanout bounds concurrent per-session checks inside a cycle.
	cycleFanout = 8
	// dedupOutputLines is how much terminal tail the dedup check reads.
	dedupOutputLines = 15
)

// Reconciler is the external reconciliation workflow the
// spawn-reconciliation action delegates to.
type Reconciler interface {
	SpawnReconciliation(ctx context.Context, projectID, planID string) error
}

// reactionTracker is the in-memory attempt state for one (session,
// reaction) pair. It is persisted lazily to session metadata so a restart
// resumes the same retry budget. escalated latches after the escalation
// notification so a session parked in a bad state nags humans once, not
// every cycle.
type reactionTracker struct {
	attempts       int
	firstTriggered time.Time
	escalated      bool
}

// Manager runs the polling loop and reaction engine.
type Manager struct {
	cfg      *config.Config
	reg      *plugin.Registry
	stores   *stores.Set
	sessions *sessions.Manager
	plans    *plans.Service
	recon    Reconciler // optional
	log      *slog.Logger

	interval time.Duration

	// cycleMu is the re-entrancy guard: at most one cycle in flight; a
	// timer tick during a cycle is skipped.
	cycleMu sync.Mutex

	// mu guards the in-memory maps below. They are owned by the lifecycle
	// manager; other components communicate only through the stores.
	mu           sync.Mutex
	statuses     map[string]models.Status
	trackers     map[string]map[string]*reactionTracker // sessionKey → reactionKey → tracker
	sessionLocks map[string]*sync.Mutex
	allComplete  map[string]bool // projectID → summary.all_complete already sent

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a lifecycle manager.
func NewManager(cfg *config.Config, reg *plugin.Registry, set *stores.Set, mgr *sessions.Manager, planSvc *plans.Service, recon Reconciler, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:          cfg,
		reg:          reg,
		stores:       set,
		sessions:     mgr,
		plans:        planSvc,
		recon:        recon,
		log:          log,
		interval:     cfg.PollInterval,
		statuses:     make(map[string]models.Status),
		trackers:     make(map[string]map[string]*reactionTracker),
		sessionLocks: make(map[string]*sync.Mutex),
		allComplete:  make(map[string]bool),
	}
}

// Start launches the background polling loop. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	stop := make(chan struct{})
	m.stop = stop
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.RunCycle(ctx)
			}
		}
	}()
}

// Stop clears the timer and waits for any in-flight cycle to finish
// naturally. After Stop returns the manager appends no further events.
func (m *Manager) Stop() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.wg.Wait()
	// An in-flight cycle holds cycleMu; acquiring it means the cycle is
	// done.
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
}

// RunCycle executes one full poll cycle. If another cycle is in flight the
// call is a no-op.
func (m *Manager) RunCycle(ctx context.Context) {
	if !m.cycleMu.TryLock() {
		return
	}
	defer m.cycleMu.Unlock()

	start := time.Now()
	live := make(map[string]bool)

	for _, projectID := range m.cfg.ProjectIDs() {
		list, err := m.sessions.List(ctx, projectID)
		if err != nil {
			m.log.Warn("cycle: list sessions", "project", projectID, "error", err)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cycleFanout)
		for _, session := range list {
			live[sessionKey(projectID, session.ID)] = true
			g.Go(func() error {
				// Per-session failures never abort peers.
				m.checkSession(gctx, projectID, session.ID)
				return nil
			})
		}
		// The cycle completes only when every per-session check resolves,
		// so transitions from one cycle never interleave with the next.
		_ = g.Wait()

		m.emitAllComplete(ctx, projectID, list)
	}

	m.prune(live)
	m.log.Debug("cycle complete", "elapsed", time.Since(start))
}

// Check revalidates a single session immediately (push-based entry point
// after kill/send). It serializes against the same session's entry in any
// active cycle. Terminal sessions are a no-op.
func (m *Manager) Check(ctx context.Context, projectID, sessionID string) {
	m.checkSession(ctx, projectID, sessionID)
}

// checkSession classifies one session under its per-session lock and
// handles any resulting transition.
func (m *Manager) checkSession(ctx context.Context, projectID, sessionID string) {
	lock := m.sessionLock(sessionKey(projectID, sessionID))
	lock.Lock()
	defer lock.Unlock()

	session, err := m.sessions.Get(projectID, sessionID)
	if err != nil {
		return
	}

	old := m.knownStatus(projectID, session)
	if old.Terminal() {
		return
	}

	newStatus := m.classify(ctx, projectID, session, old)

	if session.Meta["planRole"] == "planning" && session.PlanID != "" {
		dead := newStatus == models.StatusKilled || newStatus == models.StatusErrored
		if _, err := m.plans.CheckPlanning(ctx, projectID, session.PlanID, dead); err != nil {
			m.log.Warn("check planning", "plan", session.PlanID, "error", err)
		}
	}

	if newStatus != old {
		m.handleTransition(ctx, projectID, session, old, newStatus)
	} else if !newStatus.Terminal() {
		// A session holding a reaction-bearing state keeps feeding the
		// reaction engine: retries accumulate until resolution or
		// escalation.
		m.handleSteadyState(ctx, projectID, session, newStatus)
	}
	m.setKnownStatus(projectID, sessionID, newStatus)
}

// knownStatus returns the in-memory tracked status when present, else the
// metadata-persisted one. The status reported by List is itself a
// derivation and is never used for transition detection.
func (m *Manager) knownStatus(projectID string, session *models.Session) models.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[sessionKey(projectID, session.ID)]; ok {
		// A terminal in-memory status with non-terminal metadata means the
		// session was restored externally; trust the persisted status.
		if st.Terminal() && !session.Status.Terminal() {
			return session.Status
		}
		return st
	}
	return session.Status
}

func (m *Manager) setKnownStatus(projectID, sessionID string, st models.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[sessionKey(projectID, sessionID)] = st
}

func (m *Manager) sessionLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.sessionLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.sessionLocks[key] = lock
	}
	return lock
}

// prune drops in-memory state for sessions that no longer exist. This is
// the only GC for killed or cleaned-up sessions.
func (m *Manager) prune(live map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.statuses {
		if !live[key] {
			delete(m.statuses, key)
		}
	}
	for key := range m.trackers {
		if !live[key] {
			delete(m.trackers, key)
		}
	}
	for key := range m.sessionLocks {
		if !live[key] {
			delete(m.sessionLocks, key)
		}
	}
}

func sessionKey(projectID, sessionID string) string {
	return projectID + "/" + sessionID
}
