package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/provider"
	"github.com/luo-one/mailsync/internal/tracking"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type outboundFixture struct {
	*syncFixture
	out *OutboundService
}

func newOutboundFixture(t *testing.T, injector *tracking.Injector) *outboundFixture {
	f := newSyncFixture(t)
	out := NewOutboundService(f.db, f.accounts, provider.NewRegistry(f.adapter), injector,
		NewThreadResolver(), NewEntityLinker(f.db, nil), NewLogService(f.db, testLog()), testLog())
	return &outboundFixture{syncFixture: f, out: out}
}

func TestSend_DefaultAccountTrackedThreadedLinked(t *testing.T) {
	f := newOutboundFixture(t, tracking.NewInjector("https://crm.example.com", testSigner))
	lead := &models.Lead{Title: "L", Email: "buyer@lead.com"}
	require.NoError(t, f.db.Create(lead).Error)

	res, err := f.out.Send(context.Background(), 1, SendRequest{
		To:      []string{"Buyer <Buyer@Lead.com>"},
		Subject: "Proposal",
		HTML:    `<html><body><p>See <a href="https://docs.example.com/p">the proposal</a></p></body></html>`,
	})
	require.NoError(t, err)

	require.Len(t, f.adapter.sent, 1)
	env := f.adapter.sent[0]
	assert.Equal(t, "me@crm.com", env.From.Email)
	assert.Equal(t, "buyer@lead.com", env.To[0].Email)
	assert.Contains(t, env.HTMLBody, "/track/click/")
	assert.Contains(t, env.HTMLBody, "/track/open/"+res.TrackingID+".gif")
	assert.Contains(t, env.TextBody, "See")
	assert.NotContains(t, env.TextBody, "<p>")

	msg := res.Message
	assert.NotZero(t, msg.ID)
	assert.Equal(t, models.FolderSent, msg.Folder)
	assert.True(t, msg.IsRead)
	assert.Equal(t, res.TrackingID, msg.TrackingID)
	require.NotNil(t, msg.ThreadID)
	require.NotNil(t, msg.LeadID)
	assert.Equal(t, lead.ID, *msg.LeadID)

	var logs int64
	f.db.Model(&models.Log{}).Where("module = ?", models.LogModuleSend).Count(&logs)
	assert.Equal(t, int64(1), logs)
}

func TestSend_ReplyJoinsSyncedThread(t *testing.T) {
	f := newOutboundFixture(t, nil)
	f.adapter.batch = &provider.Batch{Messages: []provider.NativeMessage{
		native(t, canonical("<in@x>", "bob@client.com", "Question", time.Now(), "me@crm.com")),
	}}
	_, err := f.sync.SyncAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	var inbound models.Message
	require.NoError(t, f.db.First(&inbound).Error)

	res, err := f.out.Send(context.Background(), 1, SendRequest{
		AccountID: f.account.ID,
		To:        []string{"bob@client.com"},
		Subject:   "Re: Question",
		Text:      "Answer",
		InReplyTo: "<in@x>",
	})
	require.NoError(t, err)
	assert.Equal(t, *inbound.ThreadID, *res.Message.ThreadID)
	assert.Empty(t, res.TrackingID)
	assert.Equal(t, "<in@x>", f.adapter.sent[0].InReplyTo)
}

func TestSend_NoDefaultAccount(t *testing.T) {
	f := newOutboundFixture(t, nil)
	_, err := f.out.Send(context.Background(), 42, SendRequest{To: []string{"a@b.com"}})
	assert.ErrorIs(t, err, ErrNoDefaultAccount)

	_, err = f.out.Send(context.Background(), 1, SendRequest{AccountID: 999, To: []string{"a@b.com"}})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestSend_ValidatesRecipients(t *testing.T) {
	f := newOutboundFixture(t, nil)
	_, err := f.out.Send(context.Background(), 1, SendRequest{Subject: "x"})
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = f.out.Send(context.Background(), 1, SendRequest{To: []string{"not an address"}})
	assert.ErrorIs(t, err, ErrInvalidAccountData)
}

func TestSend_ProviderFailureStoresNothing(t *testing.T) {
	f := newOutboundFixture(t, nil)
	f.adapter.sendErr = errors.New("smtp 554")

	_, err := f.out.Send(context.Background(), 1, SendRequest{To: []string{"a@b.com"}, Text: "hi"})
	require.Error(t, err)
	assert.Zero(t, countMessages(t, f.db))

	var logs []models.Log
	f.db.Where("module = ?", models.LogModuleSend).Find(&logs)
	require.Len(t, logs, 1)
	assert.Equal(t, string(models.LogLevelError), logs[0].Level)
	assert.True(t, strings.Contains(logs[0].Details, "smtp 554"))
}

func TestSend_TrackingOptOut(t *testing.T) {
	f := newOutboundFixture(t, tracking.NewInjector("https://crm.example.com", testSigner))
	res, err := f.out.Send(context.Background(), 1, SendRequest{
		To: []string{"a@b.com"}, HTML: `<a href="https://x.com">x</a>`, DisableTracking: true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.TrackingID)
	assert.NotContains(t, f.adapter.sent[0].HTMLBody, "/track/")
}

func TestSend_SentCopyAlreadySyncedAdoptsTrackingID(t *testing.T) {
	f := newOutboundFixture(t, tracking.NewInjector("https://crm.example.com", testSigner))
	synced := &models.Message{AccountID: f.account.ID, ProviderMessageID: "sent-1", Folder: models.FolderSent}
	require.NoError(t, f.db.Create(synced).Error)
	f.adapter.sendID = "sent-1"

	res, err := f.out.Send(context.Background(), 1, SendRequest{To: []string{"a@b.com"}, HTML: `<p>hi</p>`})
	require.NoError(t, err)
	assert.Equal(t, synced.ID, res.Message.ID)

	var stored models.Message
	require.NoError(t, f.db.First(&stored, synced.ID).Error)
	assert.Equal(t, res.TrackingID, stored.TrackingID)
}

func TestSend_TrackingIDUpdateFailureIsLogged(t *testing.T) {
	f := newSyncFixture(t)
	logger, hook := logtest.NewNullLogger()
	out := NewOutboundService(f.db, f.accounts, provider.NewRegistry(f.adapter),
		tracking.NewInjector("https://crm.example.com", testSigner), NewThreadResolver(), nil,
		NewLogService(f.db, testLog()), logrus.NewEntry(logger))

	synced := &models.Message{AccountID: f.account.ID, ProviderMessageID: "sent-2", Folder: models.FolderSent}
	require.NoError(t, f.db.Create(synced).Error)
	f.adapter.sendID = "sent-2"
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:fail_tracking_id", func(tx *gorm.DB) {
		if dest, ok := tx.Statement.Dest.(map[string]interface{}); ok {
			if _, ok := dest["tracking_id"]; ok {
				tx.AddError(errors.New("disk I/O error"))
			}
		}
	}))

	res, err := out.Send(context.Background(), 1, SendRequest{To: []string{"a@b.com"}, HTML: `<p>hi</p>`})
	require.NoError(t, err, "the mail went out, so the send still succeeds")
	assert.Empty(t, res.Message.TrackingID)

	var warned *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "tracking id") {
			warned = e
		}
	}
	require.NotNil(t, warned)
	assert.Equal(t, synced.ID, warned.Data["message_id"])
	assert.Equal(t, res.TrackingID, warned.Data["tracking_id"])
}
