// Package links builds the public URLs embedded in outgoing mail.
package links

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/algotips/leadsdb/internal/model"
	"github.com/algotips/leadsdb/internal/token"
)

// DefaultBaseURL is the public site root.
const DefaultBaseURL = "https://db.algorithmtips.org"

// ContactURL is linked from every alert mail.
const ContactURL = "http://algorithmtips.org/about/"

const dateLayout = "2006-01-02"

// PrivateToken identifies one delivery to one user. It authorises the
// delete and unsubscribe links without a session.
type PrivateToken struct {
	UserID int64 `json:"user"`
	SendID int64 `json:"send"`
}

// Builder mints links rooted at BaseURL.
type Builder struct {
	BaseURL string
	Codec   *token.Codec
}

// NewBuilder returns a Builder; an empty baseURL falls back to DefaultBaseURL.
func NewBuilder(baseURL string, codec *token.Codec) *Builder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Builder{BaseURL: strings.TrimRight(baseURL, "/"), Codec: codec}
}

// ConfirmLink returns the time-limited confirmation URL for a pending row.
func (b *Builder) ConfirmLink(pendingID int64) (string, error) {
	tok, err := b.Codec.Sign(token.NamespaceConfirm, pendingID)
	if err != nil {
		return "", eris.Wrap(err, "links: sign confirmation")
	}
	return b.withToken("/confirm-email", tok), nil
}

// DeleteLink returns the non-expiring delete-alert URL for a delivery.
func (b *Builder) DeleteLink(userID, sendID int64) (string, error) {
	tok, err := b.privateToken(userID, sendID)
	if err != nil {
		return "", err
	}
	return b.withToken("/delete-alert", tok), nil
}

// UnsubscribeLink returns the non-expiring unsubscribe URL for a delivery.
func (b *Builder) UnsubscribeLink(userID, sendID int64) (string, error) {
	tok, err := b.privateToken(userID, sendID)
	if err != nil {
		return "", err
	}
	return b.withToken("/unsubscribe", tok), nil
}

// ReadPrivateToken verifies a delete or unsubscribe token.
func (b *Builder) ReadPrivateToken(tok string) (PrivateToken, error) {
	var pt PrivateToken
	if err := b.Codec.Verify(tok, token.NamespacePrivateAlert, 0, &pt); err != nil {
		return PrivateToken{}, err
	}
	return pt, nil
}

// LeadLink points at a single lead page.
func (b *Builder) LeadLink(leadID int64) string {
	return fmt.Sprintf("%s/lead/%d", b.BaseURL, leadID)
}

// DBLink reproduces an alert's saved search in the database UI, restricted
// to leads published between from and to.
func (b *Builder) DBLink(a model.Alert, from, to time.Time) string {
	var params []string
	add := func(key string, v *string) {
		if v != nil && *v != "" {
			params = append(params, key+"="+escape(*v))
		}
	}
	filter := a.Filter
	add("filter", &filter)
	add("federal", a.Sources.Federal)
	add("regional", a.Sources.Regional)
	add("local", a.Sources.Local)
	params = append(params, "from="+from.Format(dateLayout), "to="+to.Format(dateLayout))
	return b.BaseURL + "/db?" + strings.Join(params, "&")
}

func (b *Builder) privateToken(userID, sendID int64) (string, error) {
	tok, err := b.Codec.Sign(token.NamespacePrivateAlert, PrivateToken{UserID: userID, SendID: sendID})
	if err != nil {
		return "", eris.Wrapf(err, "links: sign private token for send %d", sendID)
	}
	return tok, nil
}

func (b *Builder) withToken(path, tok string) string {
	return b.BaseURL + path + "?token=" + url.QueryEscape(tok)
}

// escape percent-encodes a query value with %20 for spaces.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

var titler = cases.Title(language.English)

// FormatSources describes a source scope for humans, e.g.
// "Federal Agency - Executive, No Regional, Any Local". It returns "" when
// no tier is restricted.
func FormatSources(s model.Sources) string {
	if s.Unrestricted() {
		return ""
	}
	parts := make([]string, 0, len(model.Tiers))
	for _, tier := range model.Tiers {
		name := titler.String(string(tier))
		v := s.Get(tier)
		switch {
		case v == nil:
			parts = append(parts, "Any "+name)
		case *v == model.SourceExclude:
			parts = append(parts, "No "+name)
		default:
			parts = append(parts, *v)
		}
	}
	return strings.Join(parts, ", ")
}
