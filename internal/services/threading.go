package services

import (
	"regexp"
	"strings"

	"github.com/luo-one/mailsync/internal/database/models"
	"gorm.io/gorm"
)

// replyPrefix matches one leading reply or forward marker, e.g. "Re:", "FWD:" or "Re[2]:"
var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd|fw)\s*(\[\d+\])?\s*:\s*`)

// NormalizeSubject strips every leading reply/forward marker and folds case
func NormalizeSubject(subject string) string {
	s := subject
	for {
		loc := replyPrefix.FindStringIndex(s)
		if loc == nil {
			break
		}
		s = s[loc[1]:]
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ThreadResolver assigns messages to conversations by normalized subject and
// sender participation. Unrelated conversations that share a generic subject
// and a sender end up merged.
type ThreadResolver struct{}

// NewThreadResolver creates a ThreadResolver
func NewThreadResolver() *ThreadResolver {
	return &ThreadResolver{}
}

// Resolve finds or creates the thread for msg inside tx and sets msg.ThreadID.
// msg addresses are expected to be lowercase already.
func (r *ThreadResolver) Resolve(tx *gorm.DB, msg *models.Message) (*models.Thread, error) {
	normalized := NormalizeSubject(msg.Subject)
	at := msg.ActivityAt()

	var candidates []models.Thread
	if err := tx.Where("account_id = ? AND normalized_subject = ?", msg.AccountID, normalized).
		Order("last_activity_at DESC, id DESC").
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	for i := range candidates {
		t := &candidates[i]
		if msg.FromAddr == "" || !t.HasParticipant(msg.FromAddr) {
			continue
		}
		t.MessageCount++
		if at.After(t.LastActivityAt) {
			t.LastActivityAt = at
		}
		t.Participants = mergeAddresses(t.Participants, msg.Participants())
		if err := tx.Model(t).Select("message_count", "last_activity_at", "participants").Updates(t).Error; err != nil {
			return nil, err
		}
		msg.ThreadID = &t.ID
		return t, nil
	}

	t := &models.Thread{
		AccountID:         msg.AccountID,
		Subject:           msg.Subject,
		NormalizedSubject: normalized,
		Participants:      mergeAddresses(nil, msg.Participants()),
		LastActivityAt:    at,
		MessageCount:      1,
	}
	if err := tx.Create(t).Error; err != nil {
		return nil, err
	}
	msg.ThreadID = &t.ID
	return t, nil
}

// mergeAddresses appends the lowercase addresses of add missing from base
func mergeAddresses(base, add []string) []string {
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, list := range [][]string{base, add} {
		for _, a := range list {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" {
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}
