package provider

import (
	"bytes"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
)

const snippetLength = 200

// NewMessageID returns a fresh RFC 5322 Message-ID, angle brackets included
func NewMessageID(from string) string {
	domain := "mailsync.local"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func toMailAddresses(list []Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}

func bareID(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}

// BuildMessage renders env as RFC 5322 bytes. Bcc recipients are left out of
// the headers. The Message-ID used is returned with angle brackets.
func BuildMessage(env *Envelope, now time.Time) ([]byte, string, error) {
	msgID := env.MessageID
	if msgID == "" {
		msgID = NewMessageID(env.From.Email)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", toMailAddresses([]Address{env.From}))
	h.SetAddressList("To", toMailAddresses(env.To))
	if len(env.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(env.Cc))
	}
	h.SetSubject(env.Subject)
	h.SetMessageID(bareID(msgID))
	if env.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{bareID(env.InReplyTo)})
	}
	if len(env.References) > 0 {
		refs := make([]string, 0, len(env.References))
		for _, r := range env.References {
			refs = append(refs, bareID(r))
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	if env.HTMLBody == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.WriteString(w, env.TextBody); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "<" + bareID(msgID) + ">", nil
	}

	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, "", err
	}
	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", env.TextBody},
		{"text/html", env.HTMLBody},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		ph.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := w.CreatePart(ph)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return nil, "", err
		}
		if err := pw.Close(); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "<" + bareID(msgID) + ">", nil
}

// ParseRFC822 normalizes raw message bytes. Provider specific fields
// (id, folder, flags) are left for the caller.
func ParseRFC822(raw []byte) (*CanonicalMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	msg := &CanonicalMessage{
		InternetMessageID: strings.TrimSpace(env.GetHeader("Message-ID")),
		InReplyTo:         strings.TrimSpace(env.GetHeader("In-Reply-To")),
		References:        strings.Fields(env.GetHeader("References")),
		Subject:           env.GetHeader("Subject"),
		BodyText:          env.Text,
		BodyHTML:          env.HTML,
		To:                envelopeAddresses(env, "To"),
		Cc:                envelopeAddresses(env, "Cc"),
		Bcc:               envelopeAddresses(env, "Bcc"),
	}
	if from := envelopeAddresses(env, "From"); len(from) > 0 {
		msg.From = from[0]
	}
	if date, err := env.Date(); err == nil {
		msg.SentAt = date
	}
	msg.Snippet = Snippet(msg.BodyText, msg.BodyHTML)
	return msg, nil
}

func envelopeAddresses(env *enmime.Envelope, key string) []Address {
	list, err := env.AddressList(key)
	if err != nil {
		// fall back to a lenient split for headers net/mail rejects
		return parseAddressList(env.GetHeader(key))
	}
	return fromNetMail(list)
}

func fromNetMail(list []*netmail.Address) []Address {
	out := make([]Address, 0, len(list))
	for _, a := range list {
		if a == nil || a.Address == "" {
			continue
		}
		out = append(out, Address{Name: a.Name, Email: strings.ToLower(a.Address)})
	}
	return out
}

// parseAddressList accepts "Name <a@b>, c@d" and rougher variants
func parseAddressList(header string) []Address {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	if list, err := netmail.ParseAddressList(header); err == nil {
		return fromNetMail(list)
	}
	var out []Address
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if a, err := netmail.ParseAddress(part); err == nil {
			out = append(out, Address{Name: a.Name, Email: strings.ToLower(a.Address)})
			continue
		}
		name, email := "", part
		if lt := strings.LastIndex(part, "<"); lt >= 0 {
			name = strings.Trim(strings.TrimSpace(part[:lt]), `"`)
			email = strings.TrimSuffix(part[lt+1:], ">")
		}
		if strings.Contains(email, "@") {
			out = append(out, Address{Name: name, Email: strings.ToLower(strings.TrimSpace(email))})
		}
	}
	return out
}

// Snippet is a short single line preview of a body
func Snippet(text, html string) string {
	if text == "" && html != "" {
		if converted, err := html2text.FromString(html, html2text.Options{OmitLinks: true}); err == nil {
			text = converted
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > snippetLength {
		return string(runes[:snippetLength-3]) + "..."
	}
	return text
}

// HTMLToText renders an HTML body as plain text for the text/plain alternative
func HTMLToText(html string) string {
	text, err := html2text.FromString(html, html2text.Options{PrettyTables: true})
	if err != nil {
		return ""
	}
	return text
}

func parseDate(value string) (time.Time, error) {
	return netmail.ParseDate(strings.TrimSpace(value))
}
