// Package chat implements the ChatRegistry: videoId -> room of subscribers
// and a bounded message history.
package chat

import (
	"sync"

	"github.com/tikslop/videogen-gateway/internal/apperr"
	"github.com/tikslop/videogen-gateway/internal/frame"
)

const (
	maxHistory     = 100
	joinReplaySize = 50
)

// Subscriber is a connected session's chat sink. Sends are best-effort; a
// failed send drops the subscriber from the room.
type Subscriber interface {
	SendChat(msg frame.Message) error
}

type room struct {
	mu          sync.Mutex
	messages    []frame.Message
	subscribers map[Subscriber]struct{}
}

// Registry is the shared, lock-protected map of videoId -> room.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

// NewRegistry builds an empty ChatRegistry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

func (r *Registry) getOrCreate(videoID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[videoID]
	if !ok {
		rm = &room{subscribers: make(map[Subscriber]struct{})}
		r.rooms[videoID] = rm
	}
	return rm
}

// Join adds sub to videoId's room and returns up to the last 50 messages.
// A missing videoId is a user-visible error.
func (r *Registry) Join(videoID string, sub Subscriber) ([]frame.Message, error) {
	if videoID == "" {
		return nil, apperr.UserErrorf("videoId is required")
	}
	rm := r.getOrCreate(videoID)

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.subscribers[sub] = struct{}{}

	start := 0
	if len(rm.messages) > joinReplaySize {
		start = len(rm.messages) - joinReplaySize
	}
	out := make([]frame.Message, len(rm.messages)-start)
	copy(out, rm.messages[start:])
	return out, nil
}

// Leave removes sub from videoId's room, if present.
func (r *Registry) Leave(videoID string, sub Subscriber) error {
	if videoID == "" {
		return apperr.UserErrorf("videoId is required")
	}
	r.mu.Lock()
	rm, ok := r.rooms[videoID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	rm.mu.Lock()
	delete(rm.subscribers, sub)
	rm.mu.Unlock()
	return nil
}

// Post appends msg to videoId's history (evicting the oldest once size
// exceeds 100) and fans it out to every subscriber other than sender. A
// subscriber whose send fails is removed; the message is not rolled back.
func (r *Registry) Post(videoID string, msg frame.Message, sender Subscriber) error {
	if videoID == "" {
		return apperr.UserErrorf("videoId is required")
	}
	rm := r.getOrCreate(videoID)

	rm.mu.Lock()
	rm.messages = append(rm.messages, msg)
	if len(rm.messages) > maxHistory {
		rm.messages = rm.messages[len(rm.messages)-maxHistory:]
	}
	targets := make([]Subscriber, 0, len(rm.subscribers))
	for s := range rm.subscribers {
		if s == sender {
			continue
		}
		targets = append(targets, s)
	}
	rm.mu.Unlock()

	var failed []Subscriber
	for _, s := range targets {
		if err := s.SendChat(msg); err != nil {
			failed = append(failed, s)
		}
	}

	if len(failed) > 0 {
		rm.mu.Lock()
		for _, s := range failed {
			delete(rm.subscribers, s)
		}
		rm.mu.Unlock()
	}
	return nil
}
