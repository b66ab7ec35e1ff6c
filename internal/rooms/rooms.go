// Package rooms resolves which broadcast rooms a connection belongs to. A
// room is a named scope: every user owns a personal inbox room, and every
// team has a shared room. Membership is derived from the durable store at
// connect time, never stored independently.
package rooms

import (
	"context"
	"fmt"
	"strings"
)

// Room name prefixes. Room names are stable across processes so that an
// envelope published on one server can be matched against local membership
// on another.
const (
	userPrefix = "user:"
	teamPrefix = "team:"
)

// UserRoom returns the personal inbox room for a user.
func UserRoom(userID string) string {
	return userPrefix + userID
}

// TeamRoom returns the shared room for a team.
func TeamRoom(teamID string) string {
	return teamPrefix + teamID
}

// TeamID extracts the team ID from a team room name. ok is false when the
// room is a personal room or otherwise not team-scoped.
func TeamID(room string) (string, bool) {
	if !strings.HasPrefix(room, teamPrefix) {
		return "", false
	}
	return strings.TrimPrefix(room, teamPrefix), true
}

// TeamLister is the slice of the durable store the tracker needs.
type TeamLister interface {
	TeamsForUser(ctx context.Context, userID string) ([]string, error)
}

// Tracker computes the room set for a user at connect time.
type Tracker struct {
	teams TeamLister
}

// NewTracker creates a Tracker backed by the given team membership source.
func NewTracker(teams TeamLister) *Tracker {
	return &Tracker{teams: teams}
}

// RoomsFor returns the deterministic room set for a user: their personal
// inbox room plus one room per team they are a member of.
func (t *Tracker) RoomsFor(ctx context.Context, userID string) ([]string, error) {
	teamIDs, err := t.teams.TeamsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rooms: resolve teams for user %s: %w", userID, err)
	}

	set := make([]string, 0, len(teamIDs)+1)
	set = append(set, UserRoom(userID))
	for _, id := range teamIDs {
		set = append(set, TeamRoom(id))
	}
	return set, nil
}
