package services

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSubject(t *testing.T) {
	cases := map[string]string{
		"Quote for Q3":              "quote for q3",
		"Re: Quote for Q3":          "quote for q3",
		"RE: re: Fwd: Quote for Q3": "quote for q3",
		"Fw:Quote   for  Q3":        "quote for q3",
		"Re[2]: Quote for Q3":       "quote for q3",
		"Regarding the quote":       "regarding the quote",
		"":                          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeSubject(in), in)
	}
}

func threadMessage(accountID uint, from, subject string, at time.Time, to ...string) *models.Message {
	return &models.Message{
		AccountID:  accountID,
		FromAddr:   from,
		To:         to,
		Subject:    subject,
		ReceivedAt: at,
	}
}

func TestResolve_ReplyJoinsThread(t *testing.T) {
	db := setupTestDB(t)
	r := NewThreadResolver()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := threadMessage(1, "alice@example.com", "Pricing", t0, "Bob@Example.com")
	th1, err := r.Resolve(db, first)
	require.NoError(t, err)
	assert.Equal(t, 1, th1.MessageCount)
	assert.ElementsMatch(t, []string{"alice@example.com", "bob@example.com"}, th1.Participants)

	reply := threadMessage(1, "bob@example.com", "RE: Pricing", t0.Add(time.Hour), "alice@example.com", "carol@example.com")
	th2, err := r.Resolve(db, reply)
	require.NoError(t, err)
	assert.Equal(t, th1.ID, th2.ID)
	assert.Equal(t, th1.ID, *reply.ThreadID)

	var stored models.Thread
	require.NoError(t, db.First(&stored, th1.ID).Error)
	assert.Equal(t, 2, stored.MessageCount)
	assert.True(t, stored.LastActivityAt.Equal(t0.Add(time.Hour)))
	assert.ElementsMatch(t, []string{"alice@example.com", "bob@example.com", "carol@example.com"}, stored.Participants)
}

func TestResolve_SenderOutsideThreadStartsNew(t *testing.T) {
	db := setupTestDB(t)
	r := NewThreadResolver()
	now := time.Now()

	th1, err := r.Resolve(db, threadMessage(1, "alice@example.com", "Hello", now, "bob@example.com"))
	require.NoError(t, err)

	th2, err := r.Resolve(db, threadMessage(1, "mallory@example.com", "Re: Hello", now, "bob@example.com"))
	require.NoError(t, err)
	assert.NotEqual(t, th1.ID, th2.ID)

	// same subject and sender on another account never merges
	th3, err := r.Resolve(db, threadMessage(2, "alice@example.com", "Hello", now, "bob@example.com"))
	require.NoError(t, err)
	assert.NotEqual(t, th1.ID, th3.ID)
}

func TestResolve_PicksMostRecentlyActive(t *testing.T) {
	db := setupTestDB(t)
	r := NewThreadResolver()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	older := &models.Thread{AccountID: 1, Subject: "Status", NormalizedSubject: "status",
		Participants: []string{"alice@example.com"}, LastActivityAt: t0, MessageCount: 1}
	newer := &models.Thread{AccountID: 1, Subject: "Status", NormalizedSubject: "status",
		Participants: []string{"alice@example.com"}, LastActivityAt: t0.Add(24 * time.Hour), MessageCount: 1}
	require.NoError(t, db.Create(older).Error)
	require.NoError(t, db.Create(newer).Error)

	th, err := r.Resolve(db, threadMessage(1, "alice@example.com", "Re: Status", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, newer.ID, th.ID)
	// an older message never moves last activity back
	assert.True(t, th.LastActivityAt.Equal(t0.Add(24*time.Hour)))
}

// Property: last activity of a thread is the max of its message times
func TestProperty_LastActivityNeverDecreases(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("monotonic last activity", prop.ForAll(
		func(offsets []int) bool {
			db := setupTestDB(t)
			r := NewThreadResolver()
			var latest time.Time
			var threadID uint
			for _, off := range offsets {
				at := base.Add(time.Duration(off) * time.Minute)
				if at.After(latest) {
					latest = at
				}
				th, err := r.Resolve(db, threadMessage(1, "alice@example.com", "Re: Weekly", at, "bob@example.com"))
				if err != nil {
					return false
				}
				if threadID == 0 {
					threadID = th.ID
				}
				if th.ID != threadID || !th.LastActivityAt.Equal(latest) {
					return false
				}
			}
			var stored models.Thread
			db.First(&stored, threadID)
			return stored.MessageCount == len(offsets)
		},
		gen.SliceOfN(6, gen.IntRange(0, 10000)),
	))

	properties.TestingRun(t)
}
