package ruleset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// ErrStopped is returned when the writer loop is not running
var ErrStopped = errors.New("ruleset: manager not running")

// ObligationLookup confirms that an obligation version is stored
type ObligationLookup interface {
	Exists(ctx context.Context, obligationID string, version int64) (bool, error)
}

// Update changes the Active rule set for one obligation version.
//
// ID identifies the update for replay detection. Activate rules become
// Active and displace every rule sharing one of their covered slots; Retire
// lists rule ids leaving the set. Links records overlap pairs.
type Update struct {
	ID           string
	ObligationID string
	Version      int64
	Activate     []*model.CompiledRule
	Retire       []string
	Links        [][2]string
}

// CompiledUpdateID is the update id of a compiled obligation version
func CompiledUpdateID(obligationID string, version int64) string {
	return fmt.Sprintf("compiled:%s:v%d", obligationID, version)
}

// ConsolidatedUpdateID is the update id of the overlap resolution recorded
// by advisoryID
func ConsolidatedUpdateID(advisoryID string) string {
	return "consolidated:" + advisoryID
}

// Result reports what ApplyUpdate did
type Result int

const (
	ResultApplied Result = iota + 1
	ResultReplayed
	ResultStale
	ResultUnknownObligation
)

func (r Result) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultReplayed:
		return "replayed"
	case ResultStale:
		return "stale"
	case ResultUnknownObligation:
		return "unknown_obligation"
	}
	return "unknown"
}

// slotMark is the high-water mark of one obligation slot
type slotMark struct {
	version int64
	applied map[string]struct{}
}

type request struct {
	ctx     context.Context
	update  *Update
	replace *replacement
	reply   chan response
}

type replacement struct {
	rules []*model.CompiledRule
	links [][2]string
}

type response struct {
	result Result
	err    error
}

// Manager owns the current snapshot. Reads are lock-free; every change goes
// through one writer goroutine.
type Manager struct {
	current atomic.Pointer[Snapshot]
	lookup  ObligationLookup

	requests chan request
	stopCh   chan struct{}
	running  atomic.Bool
	wg       sync.WaitGroup

	// marks is owned by the writer goroutine
	marks  map[string]*slotMark
	onSwap []func(*Snapshot)
	now    func() time.Time
}

// NewManager creates a manager with an empty snapshot
func NewManager(lookup ObligationLookup) *Manager {
	m := &Manager{
		lookup:   lookup,
		requests: make(chan request, 64),
		stopCh:   make(chan struct{}),
		marks:    make(map[string]*slotMark),
		now:      time.Now,
	}
	m.current.Store(emptySnapshot())
	return m
}

// OnSwap registers fn to run on the writer goroutine after each swap.
// Must be called before Start.
func (m *Manager) OnSwap(fn func(*Snapshot)) {
	m.onSwap = append(m.onSwap, fn)
}

// Start launches the writer loop
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.loop()
	logger.Info("ruleset manager started")
}

// Stop ends the writer loop. Pending callers receive ErrStopped.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	logger.Info("ruleset manager stopped", zap.Uint64("seq", m.CurrentSnapshot().Seq()))
}

// CurrentSnapshot returns the latest published snapshot
func (m *Manager) CurrentSnapshot() *Snapshot {
	return m.current.Load()
}

// ApplyUpdate hands u to the writer and waits for it to be applied or
// skipped. A replayed update, an update older than the slot's applied
// version and an update for an obligation version that is not stored are
// skipped without error.
func (m *Manager) ApplyUpdate(ctx context.Context, u *Update) (Result, error) {
	if u == nil || u.ID == "" || u.ObligationID == "" {
		return 0, fmt.Errorf("ruleset: update id and obligation id are required")
	}
	resp, err := m.submit(ctx, request{ctx: ctx, update: u})
	if err != nil {
		return 0, err
	}
	return resp.result, resp.err
}

// Replace publishes a snapshot built from rules, typically reloaded from
// storage. Slot marks are raised to the versions present in rules.
func (m *Manager) Replace(ctx context.Context, rules []*model.CompiledRule, links [][2]string) error {
	resp, err := m.submit(ctx, request{ctx: ctx, replace: &replacement{rules: rules, links: links}})
	if err != nil {
		return err
	}
	return resp.err
}

func (m *Manager) submit(ctx context.Context, req request) (response, error) {
	if !m.running.Load() {
		return response{}, ErrStopped
	}
	req.reply = make(chan response, 1)
	select {
	case m.requests <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-m.stopCh:
		return response{}, ErrStopped
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-m.stopCh:
		return response{}, ErrStopped
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case req := <-m.requests:
			var resp response
			if req.replace != nil {
				resp.err = m.replace(req.replace)
				resp.result = ResultApplied
			} else {
				resp.result, resp.err = m.apply(req.ctx, req.update)
			}
			req.reply <- resp
		}
	}
}

func (m *Manager) apply(ctx context.Context, u *Update) (Result, error) {
	mark := m.marks[u.ObligationID]
	if mark != nil {
		if u.Version < mark.version {
			logger.Info("stale rule update ignored",
				zap.String("update_id", u.ID),
				zap.Int64("version", u.Version),
				zap.Int64("applied_version", mark.version))
			return ResultStale, nil
		}
		if _, ok := mark.applied[u.ID]; ok {
			logger.Debug("rule update already applied", zap.String("update_id", u.ID))
			return ResultReplayed, nil
		}
	}

	exists, err := m.lookup.Exists(ctx, u.ObligationID, u.Version)
	if err != nil {
		return 0, err
	}
	if !exists {
		logger.Warn("rule update references unknown obligation, dropped",
			zap.String("update_id", u.ID),
			zap.String("obligation_id", u.ObligationID),
			zap.Int64("version", u.Version))
		return ResultUnknownObligation, nil
	}

	cur := m.CurrentSnapshot()
	rules := make(map[string]*model.CompiledRule, len(cur.rules)+len(u.Activate))
	for id, r := range cur.rules {
		rules[id] = r
	}
	for _, id := range u.Retire {
		delete(rules, id)
	}
	for _, r := range u.Activate {
		next := r.Clone()
		next.Status = model.RuleStatusActive
		next.MergedInto = ""
		for id, existing := range rules {
			if id == next.RuleID || sharesSlot(existing, next) {
				delete(rules, id)
			}
		}
		rules[next.RuleID] = next
	}

	links := make(map[[2]string]struct{}, len(cur.links)+len(u.Links))
	for k := range cur.links {
		links[k] = struct{}{}
	}
	for _, l := range u.Links {
		links[linkKey(l[0], l[1])] = struct{}{}
	}

	m.publish(build(cur.seq+1, m.now(), rules, links))

	if mark == nil || u.Version > mark.version {
		mark = &slotMark{version: u.Version, applied: make(map[string]struct{})}
		m.marks[u.ObligationID] = mark
	}
	mark.applied[u.ID] = struct{}{}

	logger.Info("rule update applied",
		zap.String("update_id", u.ID),
		zap.String("obligation_id", u.ObligationID),
		zap.Int64("version", u.Version),
		zap.Int("activated", len(u.Activate)),
		zap.Int("retired", len(u.Retire)),
		zap.Int("active_rules", len(rules)))
	return ResultApplied, nil
}

func (m *Manager) replace(r *replacement) error {
	rules := make(map[string]*model.CompiledRule, len(r.rules))
	for _, rule := range r.rules {
		if !rule.IsActive() {
			continue
		}
		rules[rule.RuleID] = rule.Clone()
	}
	links := make(map[[2]string]struct{}, len(r.links))
	for _, l := range r.links {
		links[linkKey(l[0], l[1])] = struct{}{}
	}

	for _, rule := range rules {
		mark := m.marks[rule.SourceObligationID]
		if mark == nil {
			m.marks[rule.SourceObligationID] = &slotMark{version: rule.SourceVersion, applied: make(map[string]struct{})}
		} else if rule.SourceVersion > mark.version {
			mark.version = rule.SourceVersion
			mark.applied = make(map[string]struct{})
		}
	}

	cur := m.CurrentSnapshot()
	next := build(cur.seq+1, m.now(), rules, links)
	if next.digest == cur.digest && sameLinks(next.links, cur.links) {
		return nil
	}
	m.publish(next)
	logger.Info("ruleset snapshot replaced", zap.Int("active_rules", len(rules)), zap.String("digest", next.digest))
	return nil
}

func (m *Manager) publish(s *Snapshot) {
	m.current.Store(s)
	for _, fn := range m.onSwap {
		fn(s)
	}
}

func sameLinks(a, b map[[2]string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sharesSlot(a, b *model.CompiledRule) bool {
	for _, s := range b.CoveredSlots {
		if a.Covers(s) {
			return true
		}
	}
	return false
}
