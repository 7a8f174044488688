// Package domain holds the session record and event types written by the tracker.
package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// EventType records whether the interaction was affirmative or negative.
type EventType string

// Event types.
const (
	EventYes EventType = "yes"
	EventNo  EventType = "no"
)

// Interaction is the kind of UI interaction that produced an event.
type Interaction string

// Interaction kinds.
const (
	InteractionHover  Interaction = "hover"
	InteractionClick  Interaction = "click"
	InteractionTap    Interaction = "tap"
	InteractionResize Interaction = "resize"
)

var (
	// ErrUnknownEventType is returned for event types outside yes/no.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrUnknownInteraction is returned for interactions outside hover/click/tap/resize.
	ErrUnknownInteraction = errors.New("unknown interaction")
)

// ParseEventType parses a case-insensitive event type name.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(strings.ToLower(strings.TrimSpace(s))); t {
	case EventYes, EventNo:
		return t, nil
	default:
		return "", ErrUnknownEventType
	}
}

// ParseInteraction parses a case-insensitive interaction name. The DOM event
// names mouseenter and touchstart are accepted as hover and tap.
func ParseInteraction(s string) (Interaction, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "mouseenter":
		return InteractionHover, nil
	case "touchstart":
		return InteractionTap, nil
	default:
		i := Interaction(v)
		switch i {
		case InteractionHover, InteractionClick, InteractionTap, InteractionResize:
			return i, nil
		}
		return "", ErrUnknownInteraction
	}
}

// Location is a resolved geolocation fix.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// DeviceInfo is the fixed five-field device fingerprint.
type DeviceInfo struct {
	UserAgent    string `json:"userAgent"`
	ScreenWidth  int    `json:"screenWidth"`
	ScreenHeight int    `json:"screenHeight"`
	Language     string `json:"language"`
	Platform     string `json:"platform"`
}

// SessionRecord is the per-page-load document. CreatedAt is assigned by the
// store; IP and Location are nil when they could not be resolved.
type SessionRecord struct {
	URL      string
	IP       *string
	Location *Location
	Device   DeviceInfo
}

// EventEntry is one recorded interaction.
type EventEntry struct {
	Type        EventType
	Interaction Interaction
}

// Document field names.
const (
	FieldCreatedAt   = "createdAt"
	FieldURL         = "url"
	FieldIP          = "ip"
	FieldLocation    = "location"
	FieldDevice      = "device"
	FieldEvents      = "events"
	FieldType        = "type"
	FieldInteraction = "interaction"
)

// EventKey derives the events map key from the client clock.
func EventKey(at time.Time) string {
	return strconv.FormatInt(at.UnixMilli(), 10)
}

// EventPath is the dotted document path of the event stored under key.
func EventPath(key string) string {
	return FieldEvents + "." + key
}

// SessionID derives the session document id from the client clock.
func SessionID(at time.Time) string {
	return strconv.FormatInt(at.UnixMilli(), 10)
}
