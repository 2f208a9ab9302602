package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"peertube-live/internal/admission"
	"peertube-live/internal/models"
	"peertube-live/internal/storage"
)

const defaultMaxUploadBytes = 3*admission.DefaultMaxImageBytes + 1<<20

type createLiveRequest struct {
	Name            string         `json:"name"`
	ChannelID       int64          `json:"channelId"`
	Category        *int           `json:"category"`
	Licence         *int           `json:"licence"`
	Language        string         `json:"language"`
	Description     string         `json:"description"`
	Support         string         `json:"support"`
	Tags            []string       `json:"tags"`
	NSFW            bool           `json:"nsfw"`
	CommentsEnabled *bool          `json:"commentsEnabled"`
	DownloadEnabled *bool          `json:"downloadEnabled"`
	WaitTranscoding *bool          `json:"waitTranscoding"`
	Privacy         models.Privacy `json:"privacy"`
	SaveReplay      bool           `json:"saveReplay"`
	PermanentLive   bool           `json:"permanentLive"`
}

func (req createLiveRequest) toAdmission() admission.CreateRequest {
	return admission.CreateRequest{
		Name:            req.Name,
		ChannelID:       req.ChannelID,
		Category:        req.Category,
		Licence:         req.Licence,
		Language:        req.Language,
		Description:     req.Description,
		Support:         req.Support,
		Tags:            req.Tags,
		NSFW:            req.NSFW,
		CommentsEnabled: boolOr(req.CommentsEnabled, true),
		DownloadEnabled: boolOr(req.DownloadEnabled, true),
		WaitTranscoding: boolOr(req.WaitTranscoding, false),
		Privacy:         req.Privacy,
		SaveReplay:      req.SaveReplay,
		PermanentLive:   req.PermanentLive,
	}
}

type updateLiveRequest struct {
	Name            *string         `json:"name"`
	Category        *int            `json:"category"`
	Licence         *int            `json:"licence"`
	Language        *string         `json:"language"`
	Description     *string         `json:"description"`
	Support         *string         `json:"support"`
	Tags            *[]string       `json:"tags"`
	NSFW            *bool           `json:"nsfw"`
	CommentsEnabled *bool           `json:"commentsEnabled"`
	DownloadEnabled *bool           `json:"downloadEnabled"`
	WaitTranscoding *bool           `json:"waitTranscoding"`
	Privacy         *models.Privacy `json:"privacy"`
	SaveReplay      *bool           `json:"saveReplay"`
	PermanentLive   *bool           `json:"permanentLive"`
}

func (req updateLiveRequest) toAdmission() admission.UpdateRequest {
	return admission.UpdateRequest(req)
}

type createdVideo struct {
	ID        int64  `json:"id"`
	UUID      string `json:"uuid"`
	ShortUUID string `json:"shortUUID"`
}

type liveResponse struct {
	ID            int64            `json:"id"`
	UUID          string           `json:"uuid"`
	ShortUUID     string           `json:"shortUUID"`
	ChannelID     int64            `json:"channelId"`
	Name          string           `json:"name"`
	Privacy       models.Privacy   `json:"privacy"`
	State         models.LiveState `json:"state"`
	RTMPURL       string           `json:"rtmpUrl"`
	StreamKey     string           `json:"streamKey"`
	SaveReplay    bool             `json:"saveReplay"`
	PermanentLive bool             `json:"permanentLive"`
	HasStreamed   bool             `json:"hasStreamed"`
	PlaybackURL   string           `json:"playbackUrl,omitempty"`
	ReplayURL     string           `json:"replayUrl,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

func (h *Handler) newLiveResponse(video models.LiveVideo) liveResponse {
	return liveResponse{
		ID:            video.ID,
		UUID:          video.UUID,
		ShortUUID:     video.ShortUUID,
		ChannelID:     video.ChannelID,
		Name:          video.Name,
		Privacy:       video.Privacy,
		State:         video.State,
		RTMPURL:       h.RTMPURL,
		StreamKey:     video.StreamKey,
		SaveReplay:    video.SaveReplay,
		PermanentLive: video.PermanentLive,
		HasStreamed:   video.HasStreamed,
		PlaybackURL:   video.PlaybackURL,
		ReplayURL:     video.ReplayURL,
		CreatedAt:     video.CreatedAt,
		UpdatedAt:     video.UpdatedAt,
	}
}

// CreateLive handles POST /api/v1/videos/live.
func (h *Handler) CreateLive(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	req, err := h.decodeCreateRequest(w, r)
	if err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	live, err := h.Admission.CreateLive(r.Context(), req, identity)
	if err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]createdVideo{
		"video": {ID: live.ID, UUID: live.UUID, ShortUUID: live.ShortUUID},
	})
}

// GetLive handles GET /api/v1/videos/live/{id}.
func (h *Handler) GetLive(w http.ResponseWriter, r *http.Request) {
	identity, ref, ok := h.liveTarget(w, r)
	if !ok {
		return
	}
	live, err := h.Admission.GetLive(r.Context(), ref, identity)
	if err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, h.newLiveResponse(live))
}

// UpdateLive handles PUT /api/v1/videos/live/{id}.
func (h *Handler) UpdateLive(w http.ResponseWriter, r *http.Request) {
	identity, ref, ok := h.liveTarget(w, r)
	if !ok {
		return
	}
	var req updateLiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	if _, err := h.Admission.UpdateLive(r.Context(), ref, req.toAdmission(), identity); err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteLive handles DELETE /api/v1/videos/live/{id}.
func (h *Handler) DeleteLive(w http.ResponseWriter, r *http.Request) {
	identity, ref, ok := h.liveTarget(w, r)
	if !ok {
		return
	}
	if _, err := h.Admission.DeleteLive(r.Context(), ref, identity); err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EndLive handles POST /api/v1/videos/live/{id}/end. The ingest connection
// is dropped and the live ends as if the broadcaster disconnected.
func (h *Handler) EndLive(w http.ResponseWriter, r *http.Request) {
	identity, ref, ok := h.liveTarget(w, r)
	if !ok {
		return
	}
	live, err := h.Sessions.ForceEnd(r.Context(), ref, identity)
	if err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	h.requestLogger(r).Info("live force ended", "live_id", live.ID, "user_id", identity.UserID, "state", live.State.String())
	writeJSON(w, http.StatusOK, h.newLiveResponse(live))
}

// liveTarget reads the caller and the {id} route parameter.
func (h *Handler) liveTarget(w http.ResponseWriter, r *http.Request) (models.Identity, storage.Ref, bool) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return models.Identity{}, storage.Ref{}, false
	}
	ref, err := storage.ParseRef(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return models.Identity{}, storage.Ref{}, false
	}
	return identity, ref, true
}

func (h *Handler) decodeCreateRequest(w http.ResponseWriter, r *http.Request) (admission.CreateRequest, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var req createLiveRequest
		if err := decodeJSON(r, &req); err != nil {
			return admission.CreateRequest{}, err
		}
		return req.toAdmission(), nil
	}

	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		return admission.CreateRequest{}, models.Wrap(models.KindValidation, "parse live form", err)
	}
	defer r.MultipartForm.RemoveAll()
	return parseCreateForm(r.MultipartForm)
}

func parseCreateForm(form *multipart.Form) (admission.CreateRequest, error) {
	fields := formValues(form.Value)
	var req admission.CreateRequest
	var err error

	req.Name = fields.get("name")
	req.Language = fields.get("language")
	req.Description = fields.get("description")
	req.Support = fields.get("support")
	req.Tags = fields.list("tags")
	if req.ChannelID, err = fields.int64("channelId"); err != nil {
		return req, err
	}
	if req.Category, err = fields.optionalInt("category"); err != nil {
		return req, err
	}
	if req.Licence, err = fields.optionalInt("licence"); err != nil {
		return req, err
	}
	privacy, err := fields.optionalInt("privacy")
	if err != nil {
		return req, err
	}
	if privacy != nil {
		req.Privacy = models.Privacy(*privacy)
	}
	flags := []struct {
		name   string
		target *bool
		def    bool
	}{
		{"nsfw", &req.NSFW, false},
		{"commentsEnabled", &req.CommentsEnabled, true},
		{"downloadEnabled", &req.DownloadEnabled, true},
		{"waitTranscoding", &req.WaitTranscoding, false},
		{"saveReplay", &req.SaveReplay, false},
		{"permanentLive", &req.PermanentLive, false},
	}
	for _, flag := range flags {
		if *flag.target, err = fields.bool(flag.name, flag.def); err != nil {
			return req, err
		}
	}

	if req.Thumbnail, err = readAttachment(form, "thumbnailfile"); err != nil {
		return req, err
	}
	if req.Preview, err = readAttachment(form, "previewfile"); err != nil {
		return req, err
	}
	return req, nil
}

func readAttachment(form *multipart.Form, field string) (*admission.Attachment, error) {
	headers := form.File[field]
	if len(headers) == 0 {
		return nil, nil
	}
	if len(headers) > 1 {
		return nil, models.Errorf(models.KindValidation, "read attachment", "only one %s is allowed", field)
	}
	file, err := headers[0].Open()
	if err != nil {
		return nil, models.Wrap(models.KindValidation, "read attachment", err)
	}
	defer file.Close()
	// One byte past the cap lets the validator report the size.
	data, err := io.ReadAll(io.LimitReader(file, admission.DefaultMaxImageBytes+1))
	if err != nil {
		return nil, models.Wrap(models.KindValidation, "read attachment", err)
	}
	return &admission.Attachment{Filename: headers[0].Filename, Data: data}, nil
}

type formValues map[string][]string

func (f formValues) get(name string) string {
	if values := f[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// list accepts both repeated fields and the bracketed form of array fields.
func (f formValues) list(name string) []string {
	values := append([]string(nil), f[name]...)
	return append(values, f[name+"[]"]...)
}

func (f formValues) int64(name string) (int64, error) {
	raw := strings.TrimSpace(f.get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fieldError(name, raw)
	}
	return value, nil
}

func (f formValues) optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(f.get(name))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fieldError(name, raw)
	}
	return &value, nil
}

func (f formValues) bool(name string, def bool) (bool, error) {
	raw := strings.TrimSpace(f.get(name))
	if raw == "" {
		return def, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fieldError(name, raw)
	}
	return value, nil
}

func fieldError(name, raw string) error {
	return models.Wrap(models.KindValidation, "parse live form", fmt.Errorf("%s has invalid value %q", name, raw))
}

func boolOr(value *bool, def bool) bool {
	if value == nil {
		return def
	}
	return *value
}
