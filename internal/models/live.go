package models

import "time"

// Privacy is the visibility of a video.
type Privacy int

const (
	PrivacyPublic   Privacy = 1
	PrivacyUnlisted Privacy = 2
	PrivacyPrivate  Privacy = 3
	PrivacyInternal Privacy = 4
)

// Valid reports whether p is a known privacy code.
func (p Privacy) Valid() bool {
	return p >= PrivacyPublic && p <= PrivacyInternal
}

// LiveVideo is the canonical record of a live resource. The registry owns it;
// everything else works on copies.
type LiveVideo struct {
	ID              int64     `json:"id"`
	UUID            string    `json:"uuid"`
	ShortUUID       string    `json:"shortUUID"`
	OwnerID         string    `json:"ownerId"`
	ChannelID       int64     `json:"channelId"`
	Name            string    `json:"name"`
	Category        *int      `json:"category,omitempty"`
	Licence         *int      `json:"licence,omitempty"`
	Language        string    `json:"language,omitempty"`
	Description     string    `json:"description,omitempty"`
	Support         string    `json:"support,omitempty"`
	Tags            []string  `json:"tags"`
	NSFW            bool      `json:"nsfw"`
	CommentsEnabled bool      `json:"commentsEnabled"`
	DownloadEnabled bool      `json:"downloadEnabled"`
	WaitTranscoding bool      `json:"waitTranscoding"`
	Privacy         Privacy   `json:"privacy"`
	PermanentLive   bool      `json:"permanentLive"`
	SaveReplay      bool      `json:"saveReplay"`
	StreamKey       string    `json:"streamKey"`
	State           LiveState `json:"state"`
	HasStreamed     bool      `json:"hasStreamed"`
	ThumbnailPath   string    `json:"thumbnailPath,omitempty"`
	PreviewPath     string    `json:"previewPath,omitempty"`
	SessionID       string    `json:"sessionId,omitempty"`
	PlaybackURL     string    `json:"playbackUrl,omitempty"`
	RecordingPath   string    `json:"recordingPath,omitempty"`
	ReplayURL       string    `json:"replayUrl,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the record.
func (v LiveVideo) Clone() LiveVideo {
	clone := v
	if v.Tags != nil {
		clone.Tags = append([]string(nil), v.Tags...)
	}
	if v.Category != nil {
		category := *v.Category
		clone.Category = &category
	}
	if v.Licence != nil {
		licence := *v.Licence
		clone.Licence = &licence
	}
	return clone
}

// Frozen reports whether the stream shape can no longer change. Once a
// broadcast has begun, updates are refused.
func (v LiveVideo) Frozen() bool {
	return v.HasStreamed || v.State.Active()
}
