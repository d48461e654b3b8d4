package services

import (
	"context"
	"net/url"
	"strings"

	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/tracking"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RequestMeta describes the client that hit a tracking URL
type RequestMeta struct {
	RemoteIP  string
	UserAgent string
}

// TrackingService records opens and clicks on tracked outbound mail
type TrackingService struct {
	db          *gorm.DB
	signer      *tracking.Signer
	fallbackURL string
	log         *logrus.Entry
}

// NewTrackingService creates a TrackingService. signer must be the one the
// outbound injector signs links with; fallbackURL receives clicks whose
// destination is unusable or unsigned.
func NewTrackingService(db *gorm.DB, signer *tracking.Signer, fallbackURL string, log *logrus.Entry) *TrackingService {
	if fallbackURL == "" {
		fallbackURL = "/"
	}
	return &TrackingService{db: db, signer: signer, fallbackURL: fallbackURL, log: log}
}

// DecodeClickToken returns the tracking id carried by a click token
func (s *TrackingService) DecodeClickToken(token string) (string, error) {
	return tracking.DecodeToken(token)
}

func (s *TrackingService) messageID(ctx context.Context, trackingID string) *uint {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("tracking_id = ?", trackingID).Order("id").Limit(1).
		Pluck("id", &ids).Error; err != nil || len(ids) == 0 {
		return nil
	}
	return &ids[0]
}

func (s *TrackingService) record(ctx context.Context, event *models.TrackingEvent) error {
	event.MessageID = s.messageID(ctx, event.TrackingID)
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		s.log.WithError(err).WithField("tracking_id", event.TrackingID).Warn("Failed to store tracking event")
		return err
	}
	return nil
}

// RecordOpen stores an open. The ".gif" suffix of the pixel path is accepted.
func (s *TrackingService) RecordOpen(ctx context.Context, trackingID string, meta RequestMeta) error {
	trackingID = strings.TrimSuffix(trackingID, ".gif")
	if trackingID == "" {
		return tracking.ErrInvalidToken
	}
	return s.record(ctx, &models.TrackingEvent{
		TrackingID: trackingID,
		Kind:       models.TrackingOpen,
		RemoteIP:   meta.RemoteIP,
		UserAgent:  meta.UserAgent,
	})
}

// safeDestination accepts absolute http(s) URLs only
func safeDestination(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.String(), true
	}
	return "", false
}

// RecordClick stores a click and returns where to redirect. Only a
// destination signed for the token is followed; anything else goes to the
// fallback URL and, when the token or signature is bad, returns an error for
// logging without storing a click.
func (s *TrackingService) RecordClick(ctx context.Context, token, dest, sig string, meta RequestMeta) (string, error) {
	trackingID, err := s.DecodeClickToken(token)
	if err != nil {
		return s.fallbackURL, err
	}
	if !s.signer.Verify(trackingID, dest, sig) {
		return s.fallbackURL, tracking.ErrBadSignature
	}

	target, ok := safeDestination(dest)
	if !ok {
		target = s.fallbackURL
	}

	if err := s.record(ctx, &models.TrackingEvent{
		TrackingID: trackingID,
		Kind:       models.TrackingClick,
		URL:        dest,
		RemoteIP:   meta.RemoteIP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		return target, err
	}
	return target, nil
}

// TrackingStats counts events for one tracking id
type TrackingStats struct {
	TrackingID string `json:"tracking_id"`
	Opens      int64  `json:"opens"`
	Clicks     int64  `json:"clicks"`
}

// Stats returns open and click counts
func (s *TrackingService) Stats(ctx context.Context, trackingID string) (*TrackingStats, error) {
	stats := &TrackingStats{TrackingID: trackingID}
	db := s.db.WithContext(ctx).Model(&models.TrackingEvent{})
	if err := db.Where("tracking_id = ? AND kind = ?", trackingID, models.TrackingOpen).Count(&stats.Opens).Error; err != nil {
		return nil, err
	}
	db = s.db.WithContext(ctx).Model(&models.TrackingEvent{})
	if err := db.Where("tracking_id = ? AND kind = ?", trackingID, models.TrackingClick).Count(&stats.Clicks).Error; err != nil {
		return nil, err
	}
	return stats, nil
}
