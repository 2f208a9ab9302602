// Package admission decides whether a live may be created, changed or
// removed. It runs every check that needs a collaborator without holding any
// registry lock, then hands the registry a guard for the checks that must be
// atomic with the mutation.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"peertube-live/internal/events"
	"peertube-live/internal/models"
	"peertube-live/internal/observability/metrics"
	"peertube-live/internal/policy"
	"peertube-live/internal/storage"
)

// Order selects whether the feature toggle or the quotas are checked first.
type Order string

const (
	OrderEnabledFirst Order = "enabled-first"
	OrderQuotaFirst   Order = "quota-first"
)

// QuotaBasis selects what the instance and user quotas count.
type QuotaBasis string

const (
	// QuotaBasisActive counts lives currently streaming.
	QuotaBasisActive QuotaBasis = "active"
	// QuotaBasisResources counts every live that can still broadcast.
	QuotaBasisResources QuotaBasis = "resources"
)

// ParseOrder accepts the configuration spelling of an Order.
func ParseOrder(value string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(value))) {
	case "", OrderEnabledFirst:
		return OrderEnabledFirst, nil
	case OrderQuotaFirst:
		return OrderQuotaFirst, nil
	default:
		return "", fmt.Errorf("unknown admission order %q", value)
	}
}

// ParseQuotaBasis accepts the configuration spelling of a QuotaBasis.
func ParseQuotaBasis(value string) (QuotaBasis, error) {
	switch QuotaBasis(strings.ToLower(strings.TrimSpace(value))) {
	case "", QuotaBasisActive:
		return QuotaBasisActive, nil
	case QuotaBasisResources:
		return QuotaBasisResources, nil
	default:
		return "", fmt.Errorf("unknown quota basis %q", value)
	}
}

type Config struct {
	Order      Order
	QuotaBasis QuotaBasis
}

// ChannelOwnership resolves a channel to its owner.
type ChannelOwnership interface {
	Get(ctx context.Context, channelID int64) (models.Channel, error)
}

// Dependencies are the collaborators of a Controller. Images, ImageStore and
// Events are optional.
type Dependencies struct {
	Registry   *storage.Registry
	Policies   policy.Store
	Channels   ChannelOwnership
	Images     ImageValidator
	ImageStore ImageStore
	Events     events.Publisher
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Controller implements live creation, update and deletion.
type Controller struct {
	registry   *storage.Registry
	policies   policy.Store
	channels   ChannelOwnership
	images     ImageValidator
	imageStore ImageStore
	events     events.Publisher
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

func NewController(deps Dependencies, cfg Config) (*Controller, error) {
	if deps.Registry == nil {
		return nil, errors.New("admission: registry required")
	}
	if deps.Policies == nil {
		return nil, errors.New("admission: policy store required")
	}
	if deps.Channels == nil {
		return nil, errors.New("admission: channel ownership required")
	}
	if cfg.Order == "" {
		cfg.Order = OrderEnabledFirst
	}
	if cfg.QuotaBasis == "" {
		cfg.QuotaBasis = QuotaBasisActive
	}
	c := &Controller{
		registry:   deps.Registry,
		policies:   deps.Policies,
		channels:   deps.Channels,
		images:     deps.Images,
		imageStore: deps.ImageStore,
		events:     deps.Events,
		cfg:        cfg,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
	}
	if c.images == nil {
		c.images = BasicImageValidator{}
	}
	if c.events == nil {
		c.events = events.Discard{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = metrics.Default()
	}
	return c, nil
}

// CreateRequest carries the fields of a new live.
type CreateRequest struct {
	Name            string
	ChannelID       int64
	Category        *int
	Licence         *int
	Language        string
	Description     string
	Support         string
	Tags            []string
	NSFW            bool
	CommentsEnabled bool
	DownloadEnabled bool
	WaitTranscoding bool
	Privacy         models.Privacy
	SaveReplay      bool
	PermanentLive   bool
	Thumbnail       *Attachment
	Preview         *Attachment
}

// UpdateRequest carries the fields to change. Nil means unchanged.
type UpdateRequest struct {
	Name            *string
	Category        *int
	Licence         *int
	Language        *string
	Description     *string
	Support         *string
	Tags            *[]string
	NSFW            *bool
	CommentsEnabled *bool
	DownloadEnabled *bool
	WaitTranscoding *bool
	Privacy         *models.Privacy
	SaveReplay      *bool
	PermanentLive   *bool
}

// CreateLive validates req and inserts a READY live owned by identity.
func (c *Controller) CreateLive(ctx context.Context, req CreateRequest, identity models.Identity) (models.LiveVideo, error) {
	live, err := c.createLive(ctx, req, identity)
	c.observe("create", err)
	if err != nil {
		c.logger.Info("live creation refused", "user_id", identity.UserID, "kind", models.KindOf(err).String(), "error", err)
		return models.LiveVideo{}, err
	}
	c.logger.Info("live created", "live_id", live.ID, "user_id", identity.UserID, "channel_id", live.ChannelID)
	c.publish(ctx, events.TypeLiveCreated, live)
	return live, nil
}

func (c *Controller) createLive(ctx context.Context, req CreateRequest, identity models.Identity) (models.LiveVideo, error) {
	const op = "create live"
	if identity.IsZero() {
		return models.LiveVideo{}, models.Errorf(models.KindForbidden, op, "authentication required")
	}

	fields, err := req.validate()
	if err != nil {
		return models.LiveVideo{}, err
	}

	current, err := c.policies.Get(ctx)
	if err != nil {
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}
	if c.cfg.Order == OrderEnabledFirst {
		if err := checkEnabled(current); err != nil {
			return models.LiveVideo{}, err
		}
	}

	channel, err := c.channels.Get(ctx, req.ChannelID)
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return models.LiveVideo{}, models.Errorf(models.KindValidation, op, "unknown channel %d", req.ChannelID)
		}
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}
	if channel.OwnerID != identity.UserID {
		return models.LiveVideo{}, models.Errorf(models.KindForbidden, op, "channel %d belongs to another account", req.ChannelID)
	}

	if err := validateExclusion(req.SaveReplay, req.PermanentLive); err != nil {
		return models.LiveVideo{}, err
	}

	if req.Thumbnail != nil {
		if err := c.images.Validate(ctx, ImageThumbnail, *req.Thumbnail); err != nil {
			return models.LiveVideo{}, asValidation(op, err)
		}
	}
	if req.Preview != nil {
		if err := c.images.Validate(ctx, ImagePreview, *req.Preview); err != nil {
			return models.LiveVideo{}, asValidation(op, err)
		}
	}

	privacy := req.Privacy
	if privacy == 0 {
		privacy = models.PrivacyPublic
	}
	draft := models.LiveVideo{
		OwnerID:         identity.UserID,
		ChannelID:       channel.ID,
		Name:            fields.name,
		Category:        req.Category,
		Licence:         req.Licence,
		Language:        fields.language,
		Description:     fields.description,
		Support:         fields.support,
		Tags:            fields.tags,
		NSFW:            req.NSFW,
		CommentsEnabled: req.CommentsEnabled,
		DownloadEnabled: req.DownloadEnabled,
		WaitTranscoding: req.WaitTranscoding,
		Privacy:         privacy,
		PermanentLive:   req.PermanentLive,
		SaveReplay:      req.SaveReplay,
	}

	saved, err := c.saveImages(ctx, req, &draft)
	if err != nil {
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}

	live, err := c.registry.Create(ctx, draft.Clone(), c.creationGuard(current, req.SaveReplay))
	if err != nil {
		c.removeImages(ctx, saved)
		return models.LiveVideo{}, err
	}
	return live, nil
}

// creationGuard runs under the registry counter lock.
func (c *Controller) creationGuard(current models.LivePolicy, saveReplay bool) storage.Guard {
	return func(usage storage.Usage) error {
		if err := c.checkQuotas(current, usage); err != nil {
			return err
		}
		if c.cfg.Order == OrderQuotaFirst {
			if err := checkEnabled(current); err != nil {
				return err
			}
		}
		if saveReplay && !current.AllowReplay {
			return models.Errorf(models.KindForbidden, "create live", "saving replays is disabled on this instance")
		}
		return nil
	}
}

func (c *Controller) checkQuotas(current models.LivePolicy, usage storage.Usage) error {
	instance, owner := usage.InstanceActive, usage.OwnerActive
	if c.cfg.QuotaBasis == QuotaBasisResources {
		instance, owner = usage.InstanceResources, usage.OwnerResources
	}
	if current.InstanceQuotaReached(instance) {
		return models.Errorf(models.KindForbidden, "create live", "instance live quota of %d reached", current.MaxInstanceLives)
	}
	if current.UserQuotaReached(owner) {
		return models.Errorf(models.KindForbidden, "create live", "user live quota of %d reached", current.MaxUserLives)
	}
	return nil
}

func checkEnabled(current models.LivePolicy) error {
	if !current.Enabled {
		return models.Errorf(models.KindForbidden, "create live", "live streaming is disabled on this instance")
	}
	return nil
}

// UpdateLive changes the mutable fields of a live that has never streamed.
func (c *Controller) UpdateLive(ctx context.Context, ref storage.Ref, req UpdateRequest, identity models.Identity) (models.LiveVideo, error) {
	live, err := c.updateLive(ctx, ref, req, identity)
	c.observe("update", err)
	if err != nil {
		c.logger.Info("live update refused", "ref", ref.String(), "user_id", identity.UserID, "kind", models.KindOf(err).String(), "error", err)
		return models.LiveVideo{}, err
	}
	c.publish(ctx, events.TypeLiveUpdated, live)
	return live, nil
}

func (c *Controller) updateLive(ctx context.Context, ref storage.Ref, req UpdateRequest, identity models.Identity) (models.LiveVideo, error) {
	const op = "update live"

	existing, err := c.GetLive(ctx, ref, identity)
	if err != nil {
		return models.LiveVideo{}, err
	}

	scratch := existing.Clone()
	if err := req.apply(&scratch); err != nil {
		return models.LiveVideo{}, err
	}

	current, err := c.policies.Get(ctx)
	if err != nil {
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}

	return c.registry.Update(ctx, existing.ID, func(video *models.LiveVideo) error {
		if video.Frozen() {
			return models.Errorf(models.KindConflict, op, "live %d has already started", video.ID)
		}
		if err := req.apply(video); err != nil {
			return err
		}
		if err := validateExclusion(video.SaveReplay, video.PermanentLive); err != nil {
			return err
		}
		if req.SaveReplay != nil && *req.SaveReplay && !current.AllowReplay {
			return models.Errorf(models.KindForbidden, op, "saving replays is disabled on this instance")
		}
		return nil
	})
}

// DeleteLive removes a live that is not streaming.
func (c *Controller) DeleteLive(ctx context.Context, ref storage.Ref, identity models.Identity) (models.LiveVideo, error) {
	existing, err := c.GetLive(ctx, ref, identity)
	if err == nil {
		existing, err = c.registry.Delete(ctx, existing.ID)
	}
	c.observe("delete", err)
	if err != nil {
		return models.LiveVideo{}, err
	}
	c.removeImages(ctx, []string{existing.ThumbnailPath, existing.PreviewPath})
	c.logger.Info("live deleted", "live_id", existing.ID, "user_id", identity.UserID)
	c.publish(ctx, events.TypeLiveDeleted, existing)
	return existing, nil
}

// GetLive returns the live behind ref when identity may manage it.
func (c *Controller) GetLive(ctx context.Context, ref storage.Ref, identity models.Identity) (models.LiveVideo, error) {
	live, err := c.registry.Get(ref)
	if err != nil {
		return models.LiveVideo{}, err
	}
	if !identity.CanManage(live.OwnerID) {
		return models.LiveVideo{}, models.Errorf(models.KindForbidden, "get live", "live %s belongs to another account", ref)
	}
	return live, nil
}

func (c *Controller) saveImages(ctx context.Context, req CreateRequest, draft *models.LiveVideo) ([]string, error) {
	if c.imageStore == nil {
		return nil, nil
	}
	var saved []string
	if req.Thumbnail != nil {
		path, err := c.imageStore.Save(ctx, ImageThumbnail, *req.Thumbnail)
		if err != nil {
			return nil, err
		}
		saved = append(saved, path)
		draft.ThumbnailPath = path
	}
	if req.Preview != nil {
		path, err := c.imageStore.Save(ctx, ImagePreview, *req.Preview)
		if err != nil {
			c.removeImages(ctx, saved)
			return nil, err
		}
		saved = append(saved, path)
		draft.PreviewPath = path
	}
	return saved, nil
}

func (c *Controller) removeImages(ctx context.Context, paths []string) {
	if c.imageStore == nil {
		return
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := c.imageStore.Remove(ctx, path); err != nil {
			c.logger.Warn("remove image", "path", path, "error", err)
		}
	}
}

// publish never fails the mutation that already happened.
func (c *Controller) publish(ctx context.Context, eventType events.Type, live models.LiveVideo) {
	if err := c.events.Publish(ctx, events.ForLive(eventType, live)); err != nil {
		c.logger.Warn("publish live event", "type", string(eventType), "live_id", live.ID, "error", err)
	}
}

func (c *Controller) observe(operation string, err error) {
	if err == nil {
		c.metrics.ObserveAdmission(operation, "accepted")
		return
	}
	c.metrics.ObserveAdmission(operation, models.KindOf(err).String())
}

func asValidation(op string, err error) error {
	var typed *models.Error
	if errors.As(err, &typed) {
		return err
	}
	return models.Wrap(models.KindValidation, op, err)
}
