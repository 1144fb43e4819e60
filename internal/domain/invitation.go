package domain

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"renderd/internal/fsm"
)

// InvitationStatus enumerates invitation lifecycle states. Everything but
// Pending is terminal.
type InvitationStatus string

const (
	InvitationStatusPending  InvitationStatus = "pending"
	InvitationStatusAccepted InvitationStatus = "accepted"
	InvitationStatusDeclined InvitationStatus = "declined"
	InvitationStatusRevoked  InvitationStatus = "revoked"
	InvitationStatusExpired  InvitationStatus = "expired"
)

// InvitationEventKind names the operations that settle an invitation.
type InvitationEventKind string

const (
	EvInvitationAccept  InvitationEventKind = "accept"
	EvInvitationDecline InvitationEventKind = "decline"
	EvInvitationRevoke  InvitationEventKind = "revoke"
	EvInvitationExpire  InvitationEventKind = "expire"
)

// invitationGuardCtx compares the wall clock against the invite's expiry.
type invitationGuardCtx struct {
	now       time.Time
	expiresAt time.Time
}

func guardNotExpired(c invitationGuardCtx) error {
	if !c.now.Before(c.expiresAt) {
		return ErrInvitationExpired
	}
	return nil
}

var invitationTable = fsm.MustNew([]fsm.Rule[InvitationStatus, InvitationEventKind, invitationGuardCtx]{
	{From: InvitationStatusPending, Event: EvInvitationAccept, To: InvitationStatusAccepted, Guard: guardNotExpired},
	{From: InvitationStatusPending, Event: EvInvitationDecline, To: InvitationStatusDeclined, Guard: guardNotExpired},
	{From: InvitationStatusPending, Event: EvInvitationRevoke, To: InvitationStatusRevoked},
	{From: InvitationStatusPending, Event: EvInvitationExpire, To: InvitationStatusExpired},
})

// CanTransitionInvitation is the read-only companion for validation paths.
func CanTransitionInvitation(status InvitationStatus, event InvitationEventKind, now, expiresAt time.Time) bool {
	return invitationTable.CanTransition(status, event, invitationGuardCtx{now: now, expiresAt: expiresAt})
}

// Invitation asks a user into a team. Its CRUD and email surfaces live
// outside this core.
type Invitation struct {
	ID        string
	Team      OwnerRef
	Email     string
	Token     string
	Status    InvitationStatus
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// invitationTokenBytes sizes the random invite token (hex-encoded to 64 chars).
const invitationTokenBytes = 32

// NewInvitationToken draws an invite token from the supplied randomness
// source. Tests inject a deterministic reader.
func NewInvitationToken(random io.Reader) (string, error) {
	buf := make([]byte, invitationTokenBytes)
	if _, err := io.ReadFull(random, buf); err != nil {
		return "", fmt.Errorf("invitation token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (i *Invitation) transition(event InvitationEventKind, now time.Time) error {
	next, err := invitationTable.Transition(i.Status, event, invitationGuardCtx{now: now, expiresAt: i.ExpiresAt})
	if err != nil {
		return Conflict(err)
	}
	i.Status = next
	i.UpdatedAt = now
	return nil
}

// Accept settles the invitation positively; expired invites are rejected by
// the guard.
func (i *Invitation) Accept(now time.Time) error { return i.transition(EvInvitationAccept, now) }

// Decline settles the invitation negatively.
func (i *Invitation) Decline(now time.Time) error { return i.transition(EvInvitationDecline, now) }

// Revoke withdraws a pending invitation. Allowed even after expiry.
func (i *Invitation) Revoke(now time.Time) error { return i.transition(EvInvitationRevoke, now) }

// Expire marks a pending invitation as lapsed.
func (i *Invitation) Expire(now time.Time) error { return i.transition(EvInvitationExpire, now) }
