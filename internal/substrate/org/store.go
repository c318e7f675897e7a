// Package org implements the authoritative store of roles, agents, and
// terminations (C1 OrgStore): atomic JSON persistence plus cascade
// termination and cascade role deletion.
package org

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsociety/substrate/internal/substrate/errs"
	"github.com/agentsociety/substrate/pkg/society"
)

const orgFileName = "org.json"

// Snapshot is the persistence-backend-agnostic view of the org graph.
// Persister implementations exchange Snapshots with the Store; the default
// is file-backed (atomic JSON under a data directory), and
// internal/substrate/orgsql provides Postgres- and SQLite-backed
// implementations behind the same interface.
type Snapshot struct {
	Version           int
	Roles             []*society.Role
	Agents            []*society.Agent
	Terminations      []society.Termination
	ContactRegistries map[string][]society.ContactEntry
}

// Persister loads and saves a Store's Snapshot.
type Persister interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// Store is the single-writer, atomically-persisted org document.
type Store struct {
	mu        sync.RWMutex
	persister Persister
	logger    *slog.Logger
	clock     society.Clock

	roles             map[string]*society.Role
	agents            map[string]*society.Agent
	terminations      []society.Termination
	contactRegistries map[string][]society.ContactEntry
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the store's clock (for deterministic tests).
func WithClock(clock society.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithPersister overrides the store's persistence backend. Used to back a
// Store with a SQL-backed Persister (internal/substrate/orgsql) instead of
// the file-backed default.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		if p != nil {
			s.persister = p
		}
	}
}

// New creates a Store rooted at dataDir and loads its document if present.
// dataDir is ignored when WithPersister supplies a non-file-backed Persister.
func New(dataDir string, opts ...Option) (*Store, error) {
	s := &Store{
		logger:            slog.Default().With("component", "org"),
		clock:             society.SystemClock{},
		roles:             make(map[string]*society.Role),
		agents:            make(map[string]*society.Agent),
		contactRegistries: make(map[string][]society.ContactEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persister == nil {
		s.persister = &filePersister{dir: dataDir}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load populates the store from its Persister, dropping invalid entries
// with a warning; a document that cannot be parsed at all leaves the store
// empty rather than erroring.
func (s *Store) load() error {
	doc, err := s.persister.Load()
	if err != nil {
		return fmt.Errorf("load org document: %w", err)
	}

	for _, r := range doc.Roles {
		if r == nil || strings.TrimSpace(r.RoleID) == "" || strings.TrimSpace(r.Name) == "" {
			s.logger.Warn("dropping invalid role entry")
			continue
		}
		s.roles[r.RoleID] = r
	}
	for _, a := range doc.Agents {
		if a == nil || strings.TrimSpace(a.AgentID) == "" || strings.TrimSpace(a.ParentAgentID) == "" {
			s.logger.Warn("dropping invalid agent entry")
			continue
		}
		s.agents[a.AgentID] = a
	}
	s.terminations = append(s.terminations, doc.Terminations...)
	if doc.ContactRegistries != nil {
		s.contactRegistries = doc.ContactRegistries
	}
	return nil
}

// persist hands the current snapshot to the store's Persister.
func (s *Store) persist() error {
	doc := Snapshot{
		Version:           1,
		Roles:             make([]*society.Role, 0, len(s.roles)),
		Agents:            make([]*society.Agent, 0, len(s.agents)),
		Terminations:      append([]society.Termination(nil), s.terminations...),
		ContactRegistries: s.contactRegistries,
	}
	for _, r := range s.roles {
		doc.Roles = append(doc.Roles, r)
	}
	for _, a := range s.agents {
		if a.AgentID == society.RootAgentID || a.AgentID == society.UserAgentID {
			continue
		}
		doc.Agents = append(doc.Agents, a)
	}
	return s.persister.Save(doc)
}

// filePersister is the default Persister: atomic JSON under a data
// directory (write tmp, then rename; on rename failure, EPERM/EBUSY
// depending on platform, fall back to a direct overwrite).
type filePersister struct {
	dir string
}

func (p *filePersister) path() string {
	return filepath.Join(p.dir, orgFileName)
}

func (p *filePersister) Load() (Snapshot, error) {
	data, err := os.ReadFile(p.path())
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read org document: %w", err)
	}

	var doc Snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Default().With("component", "org").Warn("org document could not be parsed, starting empty", "error", err)
		return Snapshot{}, nil
	}
	return doc, nil
}

func (p *filePersister) Save(doc Snapshot) error {
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal org document: %w", err)
	}

	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return fmt.Errorf("ensure org dir: %w", err)
	}

	path := p.path()
	tmp := path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write org tmp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		if isLockContention(err) {
			if werr := os.WriteFile(path, data, 0o600); werr != nil {
				_ = os.Remove(tmp)
				return fmt.Errorf("overwrite org file after rename failure: %w", werr)
			}
			_ = os.Remove(tmp)
			slog.Default().With("component", "org").Warn("org rename failed, fell back to direct overwrite", "error", err)
			return nil
		}
		_ = os.Remove(tmp)
		return fmt.Errorf("rename org file: %w", err)
	}
	return nil
}

func isLockContention(err error) bool {
	return errors.Is(err, os.ErrPermission) || strings.Contains(err.Error(), "busy") ||
		strings.Contains(err.Error(), "EBUSY") || strings.Contains(err.Error(), "EPERM")
}

// CreateRole creates a new role, or returns the existing non-deleted role
// of the same name unchanged.
func (s *Store) CreateRole(name, rolePrompt, orgPrompt, createdBy, llmServiceID string, toolGroups []string) (*society.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.roles {
		if r.Status == society.RoleActive && r.Name == name {
			return r.Clone(), nil
		}
	}

	if len(toolGroups) == 0 {
		toolGroups = nil
	}
	role := &society.Role{
		RoleID:       uuid.NewString(),
		Name:         name,
		RolePrompt:   rolePrompt,
		OrgPrompt:    orgPrompt,
		LlmServiceID: llmServiceID,
		ToolGroups:   toolGroups,
		CreatedBy:    createdBy,
		CreatedAt:    s.clock.Now(),
		Status:       society.RoleActive,
	}
	s.roles[role.RoleID] = role
	if err := s.persist(); err != nil {
		delete(s.roles, role.RoleID)
		return nil, err
	}
	return role.Clone(), nil
}

// RoleUpdate carries the optional fields updateRole may change.
type RoleUpdate struct {
	RolePrompt   *string
	OrgPrompt    *string
	LlmServiceID *string
	ToolGroups   []string
	ToolGroupsSet bool
}

// UpdateRole partially updates a role; absent fields are unchanged.
func (s *Store) UpdateRole(roleID string, update RoleUpdate) (*society.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, ok := s.roles[roleID]
	if !ok {
		return nil, nil
	}
	if update.RolePrompt != nil {
		role.RolePrompt = *update.RolePrompt
	}
	if update.OrgPrompt != nil {
		role.OrgPrompt = *update.OrgPrompt
	}
	if update.LlmServiceID != nil {
		role.LlmServiceID = *update.LlmServiceID
	}
	if update.ToolGroupsSet {
		if len(update.ToolGroups) == 0 {
			role.ToolGroups = nil
		} else {
			role.ToolGroups = append([]string(nil), update.ToolGroups...)
		}
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return role.Clone(), nil
}

// CreateAgent creates a new agent bound to roleID under parentAgentID.
func (s *Store) CreateAgent(roleID, parentAgentID, name string) (*society.Agent, error) {
	trimmed := strings.TrimSpace(parentAgentID)
	if trimmed == "" || trimmed == "null" || trimmed == "undefined" {
		return nil, errs.New(errs.CodeInvalidParentAgentID, "parentAgentId must be a non-empty agent id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if parentAgentID != society.RootAgentID && parentAgentID != society.UserAgentID {
		if _, ok := s.agents[parentAgentID]; !ok {
			return nil, errs.New(errs.CodeInvalidParentAgentID, "parentAgentId does not refer to a known agent")
		}
	}

	agent := &society.Agent{
		AgentID:       uuid.NewString(),
		RoleID:        roleID,
		ParentAgentID: parentAgentID,
		Name:          strings.TrimSpace(name),
		CreatedAt:     s.clock.Now(),
		Status:        society.AgentActive,
	}
	s.agents[agent.AgentID] = agent
	if err := s.persist(); err != nil {
		delete(s.agents, agent.AgentID)
		return nil, err
	}
	return agent.Clone(), nil
}

// SetAgentName sets or clears an agent's display name; blank/whitespace
// collapses to the empty (null) name.
func (s *Store) SetAgentName(agentID string, name string) (*society.Agent, error) {
	if agentID == society.RootAgentID || agentID == society.UserAgentID {
		return nil, errs.New(errs.CodeCannotModifySystemRole, "cannot rename a well-known system agent")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	agent.Name = strings.TrimSpace(name)
	if err := s.persist(); err != nil {
		return nil, err
	}
	return agent.Clone(), nil
}

// RecordTermination marks agentID terminated and cascades to every
// descendant, appending one termination record per affected agent.
func (s *Store) RecordTermination(agentID, terminatedBy, reason string) (*society.Termination, error) {
	if agentID == society.RootAgentID || agentID == society.UserAgentID {
		return nil, errs.New(errs.CodeCannotDeleteSystemAgent, "cannot terminate a well-known system agent")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, errs.New(errs.CodeAgentNotFound, agentID)
	}
	if agent.Status == society.AgentTerminated {
		return nil, errs.New(errs.CodeAgentAlreadyTerminated, agentID)
	}

	at := s.clock.Now()
	var primary *society.Termination
	for _, rec := range s.terminateCascade(agent, terminatedBy, reason, at) {
		recCopy := rec
		if recCopy.AgentID == agentID {
			primary = &recCopy
		}
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return primary, nil
}

// terminateCascade terminates agent and every active descendant with the
// same terminatedAt, returning every termination record produced.
func (s *Store) terminateCascade(root *society.Agent, terminatedBy, reason string, at time.Time) []society.Termination {
	var produced []society.Termination
	var walk func(a *society.Agent, by string)
	walk = func(a *society.Agent, by string) {
		if a.Status == society.AgentTerminated {
			return
		}
		a.Status = society.AgentTerminated
		tAt := at
		a.TerminatedAt = &tAt
		rec := society.Termination{
			AgentID:      a.AgentID,
			TerminatedBy: by,
			TerminatedAt: at,
			Reason:       reason,
		}
		s.terminations = append(s.terminations, rec)
		produced = append(produced, rec)

		for _, child := range s.agents {
			if child.ParentAgentID == a.AgentID && child.Status == society.AgentActive {
				walk(child, a.AgentID)
			}
		}
	}
	walk(root, terminatedBy)
	return produced
}

// DeleteRoleResult reports the closure of a cascade role deletion.
type DeleteRoleResult struct {
	AffectedAgents []string
	AffectedRoles  []string
}

// DeleteRole terminates every active agent bound to roleID, then
// recursively deletes roles explicitly created by an agent bound to
// roleID (the stricter alternative of the two SPEC_FULL.md §4.1 options),
// then marks roleID deleted.
func (s *Store) DeleteRole(roleID, deletedBy, reason string) (*DeleteRoleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, ok := s.roles[roleID]
	if !ok {
		return nil, errs.New(errs.CodeRoleNotFound, roleID)
	}
	if role.Status == society.RoleDeleted {
		return nil, errs.New(errs.CodeRoleAlreadyDeleted, roleID)
	}

	at := s.clock.Now()
	result := &DeleteRoleResult{}
	seenAgents := make(map[string]bool)
	seenRoles := make(map[string]bool)

	var deleteOne func(rid string)
	deleteOne = func(rid string) {
		if seenRoles[rid] {
			return
		}
		r, ok := s.roles[rid]
		if !ok || r.Status == society.RoleDeleted {
			return
		}
		seenRoles[rid] = true
		result.AffectedRoles = append(result.AffectedRoles, rid)

		// Agents bound to this role, by id, snapshotted before mutation.
		var boundAgentIDs []string
		for _, a := range s.agents {
			if a.RoleID == rid && a.Status == society.AgentActive {
				boundAgentIDs = append(boundAgentIDs, a.AgentID)
			}
		}
		for _, aid := range boundAgentIDs {
			agent := s.agents[aid]
			for _, rec := range s.terminateCascade(agent, deletedBy, reason, at) {
				if !seenAgents[rec.AgentID] {
					seenAgents[rec.AgentID] = true
					result.AffectedAgents = append(result.AffectedAgents, rec.AgentID)
				}
			}
		}

		// Child roles: explicitly createdBy an agent that is (or was) bound
		// to this role.
		boundAgentSet := make(map[string]bool)
		for _, a := range s.agents {
			if a.RoleID == rid {
				boundAgentSet[a.AgentID] = true
			}
		}
		var childRoleIDs []string
		for _, cr := range s.roles {
			if cr.Status != society.RoleDeleted && boundAgentSet[cr.CreatedBy] {
				childRoleIDs = append(childRoleIDs, cr.RoleID)
			}
		}
		for _, crid := range childRoleIDs {
			deleteOne(crid)
		}

		r.Status = society.RoleDeleted
		r.DeletedBy = deletedBy
		deletedAt := at
		r.DeletedAt = &deletedAt
		r.DeleteReason = reason
	}

	deleteOne(roleID)

	if err := s.persist(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetRole returns a clone of the role, or nil if unknown.
func (s *Store) GetRole(roleID string) *society.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.roles[roleID]; ok {
		return r.Clone()
	}
	return nil
}

// GetAgent returns a clone of the agent, or nil if unknown (including for
// the implicit root/user identities, which are never stored).
func (s *Store) GetAgent(agentID string) *society.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.agents[agentID]; ok {
		return a.Clone()
	}
	return nil
}

// ListRoles returns a snapshot of every role.
func (s *Store) ListRoles() []*society.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*society.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r.Clone())
	}
	return out
}

// ListAgents returns a snapshot of every agent.
func (s *Store) ListAgents() []*society.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*society.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	return out
}

// Children returns the agentIds whose parentAgentId is agentID.
func (s *Store) Children(agentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, a := range s.agents {
		if a.ParentAgentID == agentID {
			out = append(out, a.AgentID)
		}
	}
	return out
}
