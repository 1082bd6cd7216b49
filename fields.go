package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"html/template"
	"math/big"
	"regexp"
	"strings"
)

// FieldKind is the HTML input type used for a trap field.
type FieldKind string

const (
	KindText  FieldKind = "text"
	KindEmail FieldKind = "email"
	KindTel   FieldKind = "tel"
	KindURL   FieldKind = "url"
)

// Names of the hidden fields the service adds to every protected form.
const (
	TimeFieldName  = "spamxpert_time"
	NonceFieldName = "spamxpert_nonce"
)

const (
	minHoneypotCount     = 1
	maxHoneypotCount     = 5
	defaultHoneypotCount = 2
)

var (
	trapPrefixes = []string{"email", "name", "phone", "website", "url", "company", "address", "message"}
	trapSuffixes = []string{"hp", "check", "verify", "confirm", "validate", "field"}
	trapKinds    = []FieldKind{KindText, KindEmail, KindTel, KindURL}
	trapLabels   = []string{
		"Leave this field empty",
		"Do not fill this field",
		"Skip this field",
		"This field is for validation purposes",
		"Keep this field blank",
	}
)

// trapNamePattern is the naming grammar <prefix>_<rand4>_<suffix>. It is used
// to detect trap fields even when the issuing session is gone.
var trapNamePattern = regexp.MustCompile(
	`^(` + strings.Join(trapPrefixes, "|") + `)_\w{4}_(` + strings.Join(trapSuffixes, "|") + `)$`,
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TrapField is one disposable decoy input.
type TrapField struct {
	Name  string    `json:"name"`
	Label string    `json:"label"`
	Kind  FieldKind `json:"type"`
	DOMID string    `json:"id"`
}

// IsTrapFieldName reports whether name follows the trap naming grammar.
func IsTrapFieldName(name string) bool {
	return trapNamePattern.MatchString(name)
}

// FieldGenerator produces trap fields and stashes them in the session store.
type FieldGenerator struct {
	sessions SessionStore
	keys     *SessionKeyer
}

func NewFieldGenerator(sessions SessionStore, keys *SessionKeyer) *FieldGenerator {
	return &FieldGenerator{sessions: sessions, keys: keys}
}

// Generate creates count trap fields for formID. A count outside 1..5 falls
// back to the default. The set is stored under the caller's session; a store
// failure is returned but the fields are still usable, since validation
// falls back to grammar matching.
func (g *FieldGenerator) Generate(ctx context.Context, sessionID, formID string, count int) ([]TrapField, error) {
	if count < minHoneypotCount || count > maxHoneypotCount {
		count = defaultHoneypotCount
	}

	fields := make([]TrapField, 0, count)
	for i := 0; i < count; i++ {
		fields = append(fields, TrapField{
			Name:  generateTrapName(),
			Label: pick(trapLabels),
			Kind:  pick(trapKinds),
			DOMID: "spamxpert_" + randomString(8),
		})
	}

	if g.sessions == nil || sessionID == "" {
		return fields, nil
	}
	if err := g.sessions.Put(ctx, sessionID, g.keys.KeyFor(formID), fields); err != nil {
		return fields, err
	}
	return fields, nil
}

func generateTrapName() string {
	return pick(trapPrefixes) + "_" + randomString(4) + "_" + pick(trapSuffixes)
}

func pick[T any](items []T) T {
	return items[randomIndex(len(items))]
}

func randomIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return int(v.Int64())
}

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[randomIndex(len(alphanumeric))]
	}
	return string(b)
}

// FieldSet is everything a form needs to embed to be protected.
type FieldSet struct {
	FormID    string      `json:"formId"`
	Fields    []TrapField `json:"fields"`
	TimeToken string      `json:"timeToken"`
	Nonce     string      `json:"nonce,omitempty"`
	Debug     bool        `json:"debug,omitempty"`
}

var fieldSetTemplate = template.Must(template.New("fields").Parse(
	`{{range .Fields}}{{if $.Debug}}<div class="spamxpert-hp-field" data-spamxpert-debug="1">` +
		`{{else}}<div class="spamxpert-hp-field" style="position:absolute;left:-9999px;top:-9999px;height:0;width:0;overflow:hidden;" aria-hidden="true">{{end}}` +
		`<label for="{{.DOMID}}">{{.Label}}</label>` +
		`<input type="{{.Kind}}" name="{{.Name}}" id="{{.DOMID}}" value="" tabindex="-1" autocomplete="off" /></div>` +
		`{{end}}<input type="hidden" name="spamxpert_time" value="{{.TimeToken}}" />` +
		`{{if .Nonce}}<input type="hidden" name="spamxpert_nonce" value="{{.Nonce}}" />{{end}}`,
))

// HTML renders the field set as a markup fragment.
func (fs FieldSet) HTML() (string, error) {
	var buf bytes.Buffer
	if err := fieldSetTemplate.Execute(&buf, fs); err != nil {
		return "", err
	}
	return buf.String(), nil
}
