package admission

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"peertube-live/internal/models"
)

const (
	nameMinLength        = 3
	nameMaxLength        = 120
	categoryMin          = 1
	categoryMax          = 18
	licenceMin           = 1
	licenceMax           = 7
	languageMaxLength    = 10
	descriptionMaxLength = 10000
	supportMaxLength     = 1000
	maxTags              = 5
	tagMinLength         = 2
	tagMaxLength         = 30
)

// normalizeText applies NFC and trims surrounding whitespace.
func normalizeText(value string) string {
	return strings.TrimSpace(norm.NFC.String(value))
}

func validationError(format string, args ...any) error {
	return models.Errorf(models.KindValidation, "validate live", format, args...)
}

func validateName(name string) (string, error) {
	normalized := normalizeText(name)
	length := utf8.RuneCountInString(normalized)
	if length < nameMinLength || length > nameMaxLength {
		return "", validationError("name must be between %d and %d characters", nameMinLength, nameMaxLength)
	}
	return normalized, nil
}

func validateCategory(category *int) error {
	if category == nil {
		return nil
	}
	if *category < categoryMin || *category > categoryMax {
		return validationError("category %d is not supported", *category)
	}
	return nil
}

func validateLicence(licence *int) error {
	if licence == nil {
		return nil
	}
	if *licence < licenceMin || *licence > licenceMax {
		return validationError("licence %d is not supported", *licence)
	}
	return nil
}

func validateBoundedText(field, value string, max int) (string, error) {
	normalized := normalizeText(value)
	if utf8.RuneCountInString(normalized) > max {
		return "", validationError("%s must be at most %d characters", field, max)
	}
	return normalized, nil
}

func validateTags(tags []string) ([]string, error) {
	if len(tags) > maxTags {
		return nil, validationError("at most %d tags are allowed", maxTags)
	}
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		value := normalizeText(tag)
		length := utf8.RuneCountInString(value)
		if length < tagMinLength || length > tagMaxLength {
			return nil, validationError("tag %q must be between %d and %d characters", value, tagMinLength, tagMaxLength)
		}
		normalized = append(normalized, value)
	}
	return normalized, nil
}

func validatePrivacy(privacy models.Privacy) error {
	if !privacy.Valid() {
		return validationError("privacy %d is not supported", int(privacy))
	}
	return nil
}

func validateExclusion(saveReplay, permanentLive bool) error {
	if saveReplay && permanentLive {
		return validationError("a permanent live cannot save its replay")
	}
	return nil
}

// shape holds the normalized, checked values of the descriptive fields.
type shape struct {
	name        string
	language    string
	description string
	support     string
	tags        []string
}

func (r CreateRequest) validate() (shape, error) {
	var out shape
	var err error
	if out.name, err = validateName(r.Name); err != nil {
		return shape{}, err
	}
	if err = validateCategory(r.Category); err != nil {
		return shape{}, err
	}
	if err = validateLicence(r.Licence); err != nil {
		return shape{}, err
	}
	if out.language, err = validateBoundedText("language", r.Language, languageMaxLength); err != nil {
		return shape{}, err
	}
	if out.description, err = validateBoundedText("description", r.Description, descriptionMaxLength); err != nil {
		return shape{}, err
	}
	if out.support, err = validateBoundedText("support", r.Support, supportMaxLength); err != nil {
		return shape{}, err
	}
	if out.tags, err = validateTags(r.Tags); err != nil {
		return shape{}, err
	}
	privacy := r.Privacy
	if privacy == 0 {
		privacy = models.PrivacyPublic
	}
	if err = validatePrivacy(privacy); err != nil {
		return shape{}, err
	}
	if r.ChannelID <= 0 {
		return shape{}, validationError("channelId is required")
	}
	return out, nil
}

// apply validates the fields present in r and writes them onto video.
func (r UpdateRequest) apply(video *models.LiveVideo) error {
	if r.Name != nil {
		name, err := validateName(*r.Name)
		if err != nil {
			return err
		}
		video.Name = name
	}
	if r.Category != nil {
		if err := validateCategory(r.Category); err != nil {
			return err
		}
		category := *r.Category
		video.Category = &category
	}
	if r.Licence != nil {
		if err := validateLicence(r.Licence); err != nil {
			return err
		}
		licence := *r.Licence
		video.Licence = &licence
	}
	if r.Language != nil {
		value, err := validateBoundedText("language", *r.Language, languageMaxLength)
		if err != nil {
			return err
		}
		video.Language = value
	}
	if r.Description != nil {
		value, err := validateBoundedText("description", *r.Description, descriptionMaxLength)
		if err != nil {
			return err
		}
		video.Description = value
	}
	if r.Support != nil {
		value, err := validateBoundedText("support", *r.Support, supportMaxLength)
		if err != nil {
			return err
		}
		video.Support = value
	}
	if r.Tags != nil {
		tags, err := validateTags(*r.Tags)
		if err != nil {
			return err
		}
		video.Tags = tags
	}
	if r.Privacy != nil {
		if err := validatePrivacy(*r.Privacy); err != nil {
			return err
		}
		video.Privacy = *r.Privacy
	}
	if r.NSFW != nil {
		video.NSFW = *r.NSFW
	}
	if r.CommentsEnabled != nil {
		video.CommentsEnabled = *r.CommentsEnabled
	}
	if r.DownloadEnabled != nil {
		video.DownloadEnabled = *r.DownloadEnabled
	}
	if r.WaitTranscoding != nil {
		video.WaitTranscoding = *r.WaitTranscoding
	}
	if r.SaveReplay != nil {
		video.SaveReplay = *r.SaveReplay
	}
	if r.PermanentLive != nil {
		video.PermanentLive = *r.PermanentLive
	}
	return nil
}
