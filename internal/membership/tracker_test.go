package membership

import (
	"sort"
	"testing"
)

func TestTracker_AddAndIsInRoom(t *testing.T) {
	tr := NewTracker()

	if tr.IsInRoom("u1", "r1") {
		t.Error("Expected IsInRoom to be false before Add")
	}

	tr.Add("u1", "r1")

	if !tr.IsInRoom("u1", "r1") {
		t.Error("Expected IsInRoom to be true after Add")
	}
	if tr.IsInRoom("u1", "r2") {
		t.Error("Expected IsInRoom to be false for a different room")
	}
}

func TestTracker_DualIndexConsistency(t *testing.T) {
	tr := NewTracker()
	tr.Add("u1", "r1")
	tr.Add("u2", "r1")
	tr.Add("u1", "r2")

	members := tr.Members("r1")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "u1" || members[1] != "u2" {
		t.Errorf("Expected members [u1 u2], got %v", members)
	}

	rooms := tr.Rooms("u1")
	sort.Strings(rooms)
	if len(rooms) != 2 || rooms[0] != "r1" || rooms[1] != "r2" {
		t.Errorf("Expected rooms [r1 r2], got %v", rooms)
	}
}

func TestTracker_Remove(t *testing.T) {
	tr := NewTracker()
	tr.Add("u1", "r1")
	tr.Remove("u1", "r1")

	if tr.IsInRoom("u1", "r1") {
		t.Error("Expected IsInRoom to be false after Remove")
	}
	if tr.Members("r1") != nil {
		t.Error("Expected empty room to be dropped from the forward index")
	}
	if tr.Rooms("u1") != nil {
		t.Error("Expected user with no rooms to be dropped from the reverse index")
	}

	// Removing again must be a no-op.
	tr.Remove("u1", "r1")
}

func TestTracker_RemoveUserFromAll(t *testing.T) {
	tr := NewTracker()
	tr.Add("u1", "r1")
	tr.Add("u1", "r2")
	tr.Add("u2", "r1")

	affected := tr.RemoveUserFromAll("u1")
	sort.Strings(affected)
	if len(affected) != 2 || affected[0] != "r1" || affected[1] != "r2" {
		t.Errorf("Expected affected rooms [r1 r2], got %v", affected)
	}

	if tr.IsInRoom("u1", "r1") || tr.IsInRoom("u1", "r2") {
		t.Error("Expected u1 to be removed from all rooms")
	}
	if !tr.IsInRoom("u2", "r1") {
		t.Error("Expected u2 membership to survive u1's cleanup")
	}

	if got := tr.RemoveUserFromAll("unknown"); got != nil {
		t.Errorf("Expected nil for unknown user, got %v", got)
	}
}

func TestTracker_Counts(t *testing.T) {
	tr := NewTracker()
	tr.Add("u1", "r1")
	tr.Add("u2", "r1")
	tr.Add("u1", "r2")

	if tr.RoomCount() != 2 {
		t.Errorf("Expected 2 rooms, got %d", tr.RoomCount())
	}
	if tr.TotalMembers() != 3 {
		t.Errorf("Expected 3 memberships, got %d", tr.TotalMembers())
	}

	tr.Reset()
	if tr.RoomCount() != 0 || tr.TotalMembers() != 0 {
		t.Error("Expected empty tracker after Reset")
	}
}

func TestTracker_Concurrency(t *testing.T) {
	tr := NewTracker()
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func(n int) {
			for j := 0; j < 100; j++ {
				tr.Add("u", "r")
				tr.IsInRoom("u", "r")
				tr.Members("r")
				tr.Rooms("u")
				tr.Remove("u", "r")
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
