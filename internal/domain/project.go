package domain

import (
	"time"

	"renderd/internal/fsm"
)

// ProjectStatus enumerates project lifecycle states.
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusArchived ProjectStatus = "archived"
	ProjectStatusDeleted  ProjectStatus = "deleted"
)

// ProjectEventKind names the operations that move a project.
type ProjectEventKind string

const (
	EvProjectArchive ProjectEventKind = "archive"
	EvProjectRestore ProjectEventKind = "restore"
	EvProjectDelete  ProjectEventKind = "delete"
)

var projectTable = fsm.MustNew([]fsm.Rule[ProjectStatus, ProjectEventKind, struct{}]{
	{From: ProjectStatusActive, Event: EvProjectArchive, To: ProjectStatusArchived},
	{From: ProjectStatusActive, Event: EvProjectDelete, To: ProjectStatusDeleted},
	{From: ProjectStatusArchived, Event: EvProjectRestore, To: ProjectStatusActive},
	{From: ProjectStatusArchived, Event: EvProjectDelete, To: ProjectStatusDeleted},
})

// CanTransitionProject is the read-only companion for validation paths.
func CanTransitionProject(status ProjectStatus, event ProjectEventKind) bool {
	return projectTable.CanTransition(status, event, struct{}{})
}

// Project groups team-owned resources. Its CRUD surface lives outside this
// core; the lifecycle table lives here so every state set in the system goes
// through the same engine.
type Project struct {
	ID        string
	Team      OwnerRef
	Name      string
	Status    ProjectStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Project) transition(event ProjectEventKind, now time.Time) error {
	next, err := projectTable.Transition(p.Status, event, struct{}{})
	if err != nil {
		return Conflict(err)
	}
	p.Status = next
	p.UpdatedAt = now
	return nil
}

// Archive shelves an active project.
func (p *Project) Archive(now time.Time) error { return p.transition(EvProjectArchive, now) }

// Restore brings an archived project back.
func (p *Project) Restore(now time.Time) error { return p.transition(EvProjectRestore, now) }

// Delete removes the project for good.
func (p *Project) Delete(now time.Time) error { return p.transition(EvProjectDelete, now) }
