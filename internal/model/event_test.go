package model

import (
	"testing"
	"time"
)

var (
	eventStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	eventEnd   = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
)

func TestDirectionIsValid(t *testing.T) {
	for _, d := range []Direction{DirectionPull, DirectionPush, DirectionBidirectional} {
		if !d.IsValid() {
			t.Errorf("%q should be valid", d)
		}
	}
	if Direction("sideways").IsValid() || Direction("").IsValid() {
		t.Error("unknown directions should be invalid")
	}
}

func TestStrategyIsValid(t *testing.T) {
	for _, s := range []Strategy{StrategyPreferLocal, StrategyPreferRemote, StrategyPreferLatest, StrategyMerge, StrategyManual} {
		if !s.IsValid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if Strategy("coin_flip").IsValid() || Strategy("").IsValid() {
		t.Error("unknown strategies should be invalid")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		ev   RemoteEvent
		want ChangeKind
	}{
		{"removed", RemoteEvent{Removed: true, CreatedAt: eventStart, LastModified: eventStart}, ChangeDeleted},
		{"never modified", RemoteEvent{CreatedAt: eventStart, LastModified: eventStart}, ChangeCreated},
		{"modified later", RemoteEvent{CreatedAt: eventStart, LastModified: eventStart.Add(time.Hour)}, ChangeUpdated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Classify(); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyRemote(t *testing.T) {
	local := &CalendarEvent{
		LocalID:          "local-1",
		RemoteID:         "remote-1",
		UserID:           "alice",
		CalendarID:       "work",
		Subject:          "Old title",
		LastModified:     eventStart,
		LocallyModified:  true,
		RemoteVersionTag: "v1",
	}
	remote := &RemoteEvent{
		ID:             "remote-1",
		Subject:        "New title",
		Description:    "notes",
		Location:       "Room 2",
		Start:          eventStart,
		End:            eventEnd,
		Timezone:       "Europe/Berlin",
		IsAllDay:       false,
		RecurrenceRule: "FREQ=WEEKLY",
		LastModified:   eventStart.Add(time.Hour),
		VersionTag:     "v2",
	}

	local.ApplyRemote(remote)

	if local.LocalID != "local-1" || local.UserID != "alice" || local.CalendarID != "work" {
		t.Errorf("identity fields mutated: %+v", local)
	}
	if local.Subject != "New title" || local.Location != "Room 2" || local.RecurrenceRule != "FREQ=WEEKLY" {
		t.Errorf("content not applied: %+v", local)
	}
	if local.LocallyModified {
		t.Error("locally-modified flag should be cleared")
	}
	if local.RemoteVersionTag != "v2" || !local.LastModified.Equal(remote.LastModified) {
		t.Errorf("version metadata not applied: %+v", local)
	}
}

func TestApplyRemote_AdoptsRemoteID(t *testing.T) {
	local := &CalendarEvent{LocalID: "local-1"}
	local.ApplyRemote(&RemoteEvent{ID: "remote-9"})
	if local.RemoteID != "remote-9" {
		t.Errorf("RemoteID = %q, want remote-9", local.RemoteID)
	}

	matched := &CalendarEvent{LocalID: "local-2", RemoteID: "remote-1"}
	matched.ApplyRemote(&RemoteEvent{ID: "remote-other"})
	if matched.RemoteID != "remote-1" {
		t.Errorf("existing RemoteID should be preserved, got %q", matched.RemoteID)
	}
}

func TestEventFromRemote(t *testing.T) {
	remote := &RemoteEvent{
		ID:           "remote-1",
		Subject:      "Standup",
		Start:        eventStart,
		End:          eventEnd,
		LastModified: eventStart,
		VersionTag:   "v1",
	}

	ev := EventFromRemote("alice", "work", remote)
	if ev.UserID != "alice" || ev.CalendarID != "work" || ev.RemoteID != "remote-1" {
		t.Errorf("identity = %+v", ev)
	}
	if ev.Subject != "Standup" || ev.RemoteVersionTag != "v1" {
		t.Errorf("content = %+v", ev)
	}
	if ev.LocallyModified {
		t.Error("a pulled event starts out synced")
	}
}

func TestConflictFieldKinds(t *testing.T) {
	if !FieldStartTime.IsTimeField() || !FieldEndTime.IsTimeField() {
		t.Error("start/end are time fields")
	}
	if FieldSubject.IsTimeField() {
		t.Error("subject is not a time field")
	}
	if !FieldSubject.IsContentField() || !FieldDescription.IsContentField() {
		t.Error("subject/description are content fields")
	}
	if FieldLocation.IsContentField() {
		t.Error("location is not a content field")
	}
}

func TestConflictResolved(t *testing.T) {
	c := &SyncConflict{Resolution: ResolutionPending}
	if c.Resolved() {
		t.Error("pending conflict should not be resolved")
	}
	now := time.Now()
	c.ResolvedAt = &now
	if !c.Resolved() {
		t.Error("stamped conflict should be resolved")
	}
}
