package provider

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/luo-one/mailsync/internal/database/models"
)

// sendSMTP submits raw over the account's SMTP server: implicit TLS on 465,
// required STARTTLS when the account uses TLS, and STARTTLS only if offered
// otherwise.
func sendSMTP(account *models.EmailAccount, password, from string, to []string, raw []byte) error {
	addr := net.JoinHostPort(account.SMTPHost, strconv.Itoa(account.SMTPPort))
	tlsConfig := &tls.Config{ServerName: account.SMTPHost}

	var (
		c   *smtp.Client
		err error
	)
	switch {
	case account.SMTPPort == 465:
		c, err = smtp.DialTLS(addr, tlsConfig)
	case account.UseSSL:
		c, err = smtp.DialStartTLS(addr, tlsConfig)
	default:
		// opportunistic: reconnect with STARTTLS when the server offers it
		c, err = smtp.Dial(addr)
		if err == nil {
			if ok, _ := c.Extension("STARTTLS"); ok {
				c.Close()
				c, err = smtp.DialStartTLS(addr, tlsConfig)
			}
		}
	}
	if err != nil {
		if c != nil {
			c.Close()
		}
		return fmt.Errorf("%w: smtp connect %s: %v", ErrTransient, addr, err)
	}
	defer c.Close()

	// LOGIN is still the only mechanism on some regional providers
	var auth sasl.Client
	if c.SupportsAuth(sasl.Plain) {
		auth = sasl.NewPlainClient("", account.Username, password)
	} else {
		auth = sasl.NewLoginClient(account.Username, password)
	}
	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("%w: smtp auth: %v", ErrAuth, err)
	}

	if err := c.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return c.Quit()
}
