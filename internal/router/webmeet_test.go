package router

import "testing"

func TestMeetRoomRosterAndBroadcast(t *testing.T) {
	room := &meetRoom{peers: make(map[string]*meetPeer)}

	a := &meetPeer{id: "a", send: make(chan []byte, 4)}
	b := &meetPeer{id: "b", send: make(chan []byte, 4)}
	room.join(a)
	room.join(b)

	roster := room.roster()
	if len(roster) != 2 {
		t.Fatalf("roster length = %d, want 2", len(roster))
	}

	room.broadcast([]byte("hello"), "a")
	select {
	case msg := <-b.send:
		if string(msg) != "hello" {
			t.Errorf("b received %q, want hello", msg)
		}
	default:
		t.Error("expected b to receive broadcast")
	}
	select {
	case <-a.send:
		t.Error("broadcaster should not receive its own message")
	default:
	}
}

func TestMeetRoomSendTargetsSinglePeer(t *testing.T) {
	room := &meetRoom{peers: make(map[string]*meetPeer)}
	a := &meetPeer{id: "a", send: make(chan []byte, 4)}
	room.join(a)

	if room.send("missing", []byte("x")) {
		t.Error("send to missing peer should return false")
	}
	if !room.send("a", []byte("hi")) {
		t.Error("send to existing peer should return true")
	}
	if msg := <-a.send; string(msg) != "hi" {
		t.Errorf("a received %q, want hi", msg)
	}
}

func TestMeetRoomLeaveRemovesPeer(t *testing.T) {
	room := &meetRoom{peers: make(map[string]*meetPeer)}
	a := &meetPeer{id: "a", send: make(chan []byte, 4)}
	room.join(a)
	room.leave("a")
	if len(room.roster()) != 0 {
		t.Error("expected roster to be empty after leave")
	}
}
