// Package frame models the duplex wire protocol: one JSON document per
// text frame, classified by action into the queue/rate-limit class that
// governs it.
package frame

import "encoding/json"

// Class is the rate-limit and dispatch bucket a frame's action belongs to.
type Class string

const (
	ClassChat       Class = "chat"
	ClassVideo      Class = "video"
	ClassSearch     Class = "search"
	ClassSimulation Class = "simulation"
	ClassOther      Class = "other"
)

// Known action names. Two legacy spellings of generate_video_thumbnail are
// accepted and re-dispatched rather than rejected (original tikslop
// api_session.py process_generic_request).
const (
	ActionHeartbeat           = "heartbeat"
	ActionGetUserRole         = "get_user_role"
	ActionSearch              = "search"
	ActionGenerateVideo       = "generate_video"
	ActionGenerateThumbnail   = "generate_video_thumbnail"
	ActionGenerateThumbLegacy = "generate_thumbnail"
	ActionGenerateThumbOld    = "old_generate_thumbnail"
	ActionGenerateCaption     = "generate_caption"
	ActionSimulate            = "simulate"
	ActionJoinChat            = "join_chat"
	ActionLeaveChat           = "leave_chat"
	ActionChatMessage         = "chat_message"
)

// ClassOf returns the dispatch/rate-limit class for a given action. Unknown
// actions classify as ClassOther so they still consume the "other" bucket.
func ClassOf(action string) Class {
	switch action {
	case ActionChatMessage, ActionJoinChat, ActionLeaveChat:
		return ClassChat
	case ActionGenerateVideo, ActionGenerateThumbnail, ActionGenerateThumbLegacy, ActionGenerateThumbOld:
		return ClassVideo
	case ActionSearch:
		return ClassSearch
	case ActionSimulate:
		return ClassSimulation
	default:
		return ClassOther
	}
}

// CanonicalAction folds the legacy thumbnail spellings onto the current one.
// Callers can tell a legacy frame apart with IsLegacyThumbnailAction to preserve
// the dual reply shape (thumbnailUrl vs thumbnail).
func CanonicalAction(action string) string {
	switch action {
	case ActionGenerateThumbLegacy, ActionGenerateThumbOld:
		return ActionGenerateThumbnail
	default:
		return action
	}
}

func IsLegacyThumbnailAction(action string) bool {
	return action == ActionGenerateThumbLegacy || action == ActionGenerateThumbOld
}

// IsTrivialAction reports whether action is answered inline on the Gateway
// coroutine without queueing.
func IsTrivialAction(action string) bool {
	switch CanonicalAction(action) {
	case ActionHeartbeat, ActionGetUserRole, ActionGenerateCaption, ActionGenerateThumbnail:
		return true
	default:
		return false
	}
}

// Orientation is the user-requested aspect ratio hint.
type Orientation string

const (
	OrientationLandscape Orientation = "LANDSCAPE"
	OrientationPortrait  Orientation = "PORTRAIT"
)

// VideoOptions carries the user-supplied generation overrides from
// generate_video/generate_video_thumbnail. Pointer fields distinguish
// "not supplied" from the zero value for clamping purposes.
type VideoOptions struct {
	Seed              *uint32     `json:"seed,omitempty"`
	Orientation       Orientation `json:"orientation,omitempty"`
	Width             *int        `json:"width,omitempty"`
	Height            *int        `json:"height,omitempty"`
	NumFrames         *int        `json:"num_frames,omitempty"`
	NumInferenceSteps *int        `json:"num_inference_steps,omitempty"`
	ClipFramerate     *int        `json:"clip_framerate,omitempty"`
	NegativePrompt    string      `json:"negative_prompt,omitempty"`
	GuidanceScale     *float64    `json:"guidance_scale,omitempty"`
	VideoID           string      `json:"video_id,omitempty"`
}

// CaptionParams is the nested payload of generate_caption.
type CaptionParams struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ChatExcerpt is an abbreviated chat message carried as simulate() context.
type ChatExcerpt struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// Inbound is the union of every recognised frame shape. Unused fields for a
// given action are simply left at their zero value.
type Inbound struct {
	Action    string `json:"action"`
	RequestID string `json:"requestId"`

	// search
	Query        string `json:"query,omitempty"`
	AttemptCount int    `json:"attemptCount,omitempty"`

	// generate_video / generate_video_thumbnail
	Title             string       `json:"title,omitempty"`
	Description       string       `json:"description,omitempty"`
	VideoPromptPrefix string       `json:"video_prompt_prefix,omitempty"`
	Options           VideoOptions `json:"options,omitempty"`
	// ThumbnailURLField is non-nil only when the legacy request itself used
	// "thumbnailUrl" rather than "thumbnail" as its own field name, so the
	// reply can echo the same legacy key back.
	ThumbnailURLField *string `json:"thumbnailUrl,omitempty"`

	// generate_caption
	Params *CaptionParams `json:"params,omitempty"`

	// simulate
	OriginalTitle       string        `json:"original_title,omitempty"`
	OriginalDescription string        `json:"original_description,omitempty"`
	CurrentDescription  string        `json:"current_description,omitempty"`
	CondensedHistory    string        `json:"condensed_history,omitempty"`
	EvolutionCount      int           `json:"evolution_count,omitempty"`
	ChatMessages        []ChatExcerpt `json:"chat_messages,omitempty"`

	// join_chat / leave_chat / chat_message
	VideoID  string `json:"videoId,omitempty"`
	Username string `json:"username,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Class classifies this frame by its canonicalised action.
func (f *Inbound) Class() Class {
	return ClassOf(CanonicalAction(f.Action))
}

// Outbound is a generic reply envelope. Every reply carries
// {action, requestId, success}; Fields holds the action-specific payload on
// success, and Error carries the failure message otherwise.
type Outbound struct {
	Action    string         `json:"action"`
	RequestID string         `json:"requestId"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Fields    map[string]any `json:"-"`
}

// MarshalJSON flattens Fields alongside the envelope's own keys.
func (o Outbound) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(o.Fields)+4)
	for k, v := range o.Fields {
		m[k] = v
	}
	m["action"] = o.Action
	m["requestId"] = o.RequestID
	m["success"] = o.Success
	if !o.Success && o.Error != "" {
		m["error"] = o.Error
	}
	return json.Marshal(m)
}

// Ok builds a successful reply envelope.
func Ok(action, requestID string, fields map[string]any) Outbound {
	return Outbound{Action: action, RequestID: requestID, Success: true, Fields: fields}
}

// Fail builds a failure reply envelope.
func Fail(action, requestID, errMsg string) Outbound {
	return Outbound{Action: action, RequestID: requestID, Success: false, Error: errMsg}
}

// VideoStub is the metadata record returned by search, holding no media
// bytes.
type VideoStub struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	ThumbnailURL  string   `json:"thumbnailUrl"`
	VideoURL      string   `json:"videoUrl"`
	IsLatent      bool     `json:"isLatent"`
	UseFixedSeed  bool     `json:"useFixedSeed"`
	Seed          uint32   `json:"seed"`
	Views         int      `json:"views"`
	Tags          []string `json:"tags"`
}

// Message is a chat frame stripped of internal routing fields, as stored in
// a ChatRoom's bounded history and fanned out on broadcast.
type Message struct {
	VideoID   string `json:"videoId"`
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}
