// Package tracking rewrites outbound HTML so opens and clicks can be recorded.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

var (
	// ErrInvalidToken is returned for a click token that does not decode
	ErrInvalidToken = errors.New("invalid tracking token")
	// ErrBadSignature is returned when a click destination was not issued for its token
	ErrBadSignature = errors.New("click destination signature mismatch")
)

// PixelGIF is a transparent 1x1 GIF
var PixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// EncodeToken turns a tracking id into the path segment of a click URL
func EncodeToken(trackingID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(trackingID))
}

// DecodeToken reverses EncodeToken
func DecodeToken(token string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil || len(b) == 0 {
		return "", ErrInvalidToken
	}
	return string(b), nil
}

// Signer binds a click destination to the tracking id it was issued for
type Signer struct {
	key []byte
}

// NewSigner creates a Signer keyed with key
func NewSigner(key []byte) *Signer {
	return &Signer{key: append([]byte(nil), key...)}
}

func (s *Signer) mac(trackingID, dest string) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(trackingID))
	m.Write([]byte{'|'})
	m.Write([]byte(dest))
	return m.Sum(nil)[:16]
}

// Sign returns the sig query value for a click on dest
func (s *Signer) Sign(trackingID, dest string) string {
	return base64.RawURLEncoding.EncodeToString(s.mac(trackingID, dest))
}

// Verify reports whether sig was produced by Sign for the same pair
func (s *Signer) Verify(trackingID, dest, sig string) bool {
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, s.mac(trackingID, dest))
}

// Injector rewrites links and appends an open pixel
type Injector struct {
	baseURL string
	signer  *Signer
}

// NewInjector creates an Injector whose tracking URLs live under baseURL and
// whose click links are signed by signer
func NewInjector(baseURL string, signer *Signer) *Injector {
	return &Injector{baseURL: strings.TrimRight(baseURL, "/"), signer: signer}
}

func (i *Injector) clickPrefix() string {
	return i.baseURL + "/track/click/"
}

// ClickURL is the redirecting URL for dest
func (i *Injector) ClickURL(trackingID, dest string) string {
	return i.clickPrefix() + EncodeToken(trackingID) +
		"?url=" + url.QueryEscape(dest) +
		"&sig=" + i.signer.Sign(trackingID, dest)
}

// PixelURL is the open pixel URL for trackingID
func (i *Injector) PixelURL(trackingID string) string {
	return i.baseURL + "/track/open/" + trackingID + ".gif"
}

func (i *Injector) pixelTag(trackingID string) string {
	return `<img src="` + html.EscapeString(i.PixelURL(trackingID)) + `" width="1" height="1" alt="" style="display:none">`
}

func trackable(href string) bool {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// Inject rewrites every http(s) anchor of src and places one open pixel
// before </body>, or at the end when there is no body. Running it twice
// gives the same result as running it once.
func (i *Injector) Inject(src, trackingID string) string {
	var out strings.Builder
	out.Grow(len(src) + 256)

	pixel := i.PixelURL(trackingID)
	pixelDone := false

	z := html.NewTokenizer(strings.NewReader(src))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				break
			}
			// unparseable remainder is kept as is
			out.Write(z.Raw())
			break
		}
		raw := append([]byte(nil), z.Raw()...)

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "a":
				if i.rewriteAnchor(&tok, trackingID) {
					out.WriteString(tok.String())
					continue
				}
			case "img":
				for _, a := range tok.Attr {
					if a.Key == "src" && a.Val == pixel {
						pixelDone = true
					}
				}
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "body" && !pixelDone {
				out.WriteString(i.pixelTag(trackingID))
				pixelDone = true
			}
		}
		out.Write(raw)
	}

	if !pixelDone {
		out.WriteString(i.pixelTag(trackingID))
	}
	return out.String()
}

func (i *Injector) rewriteAnchor(tok *html.Token, trackingID string) bool {
	for n, a := range tok.Attr {
		if a.Key != "href" {
			continue
		}
		if strings.HasPrefix(a.Val, i.clickPrefix()) || !trackable(a.Val) {
			return false
		}
		tok.Attr[n].Val = i.ClickURL(trackingID, strings.TrimSpace(a.Val))
		return true
	}
	return false
}
