package provider

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luo-one/mailsync/internal/database/models"
)

type recordedMail struct {
	from string
	to   []string
	data string
}

type smtpRecorder struct {
	mu   sync.Mutex
	mail []recordedMail
}

func (r *smtpRecorder) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &smtpSession{rec: r}, nil
}

type smtpSession struct {
	rec  *smtpRecorder
	auth bool
	cur  recordedMail
}

func (s *smtpSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *smtpSession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != "rep@crm.example" || password != "hunter2" {
			return errors.New("bad credentials")
		}
		s.auth = true
		return nil
	}), nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.auth {
		return smtp.ErrAuthRequired
	}
	s.cur.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = string(b)
	s.rec.mu.Lock()
	s.rec.mail = append(s.rec.mail, s.cur)
	s.rec.mu.Unlock()
	return nil
}

func (s *smtpSession) Reset() { s.cur = recordedMail{} }
func (s *smtpSession) Logout() error { return nil }

// startPlainSMTP runs a server that offers neither TLS nor STARTTLS
func startPlainSMTP(t *testing.T) (*smtpRecorder, *models.EmailAccount) {
	t.Helper()
	rec := &smtpRecorder{}
	srv := smtp.NewServer(rec)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return rec, &models.EmailAccount{
		SMTPHost: host,
		SMTPPort: p,
		Username: "rep@crm.example",
	}
}

func TestSendSMTP_PlainWhenServerOffersNoTLS(t *testing.T) {
	rec, account := startPlainSMTP(t)
	account.UseSSL = false

	raw := []byte("Subject: Quote\r\n\r\nSee attached.\r\n")
	err := sendSMTP(account, "hunter2", "rep@crm.example", []string{"buyer@client.example"}, raw)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.mail, 1)
	assert.Equal(t, "rep@crm.example", rec.mail[0].from)
	assert.Equal(t, []string{"buyer@client.example"}, rec.mail[0].to)
	assert.Contains(t, rec.mail[0].data, "See attached.")
}

func TestSendSMTP_RequiredTLSMissingIsTransient(t *testing.T) {
	rec, account := startPlainSMTP(t)
	account.UseSSL = true

	err := sendSMTP(account, "hunter2", "rep@crm.example", []string{"buyer@client.example"}, []byte("x"))
	assert.ErrorIs(t, err, ErrTransient)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.mail)
}

func TestSendSMTP_BadPasswordIsAuth(t *testing.T) {
	_, account := startPlainSMTP(t)

	err := sendSMTP(account, "wrong", "rep@crm.example", []string{"buyer@client.example"}, []byte("x"))
	assert.ErrorIs(t, err, ErrAuth)
}
