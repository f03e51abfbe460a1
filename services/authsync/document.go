package authsync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"fleetauth/pkg/apperr"
	"fleetauth/services/ledger"
)

// Document is a decoded auth.json. Only LastRefresh and Auths take part in
// the digest; Extras are carried along untouched.
type Document struct {
	LastRefresh string
	Auths       map[string]Credential
	Extras      map[string]any
}

// Credential is one target of the auths map. Unknown keys land in Extra and
// are written back flat.
type Credential struct {
	Token        string
	TokenType    string
	Organization string
	Project      string
	APIBase      string
	Extra        map[string]any
}

var credentialFields = map[string]func(*Credential) *string{
	"token":        func(c *Credential) *string { return &c.Token },
	"token_type":   func(c *Credential) *string { return &c.TokenType },
	"organization": func(c *Credential) *string { return &c.Organization },
	"project":      func(c *Credential) *string { return &c.Project },
	"api_base":     func(c *Credential) *string { return &c.APIBase },
}

// UnmarshalJSON decodes a credential object, keeping unknown keys.
func (c *Credential) UnmarshalJSON(data []byte) error {
	raw, err := decodeObject(data)
	if err != nil {
		return err
	}
	*c = Credential{}
	for k, v := range raw {
		field, known := credentialFields[k]
		if !known {
			if c.Extra == nil {
				c.Extra = map[string]any{}
			}
			c.Extra[k] = v
			continue
		}
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s must be a string", k)
		}
		*field(c) = s
	}
	return nil
}

// MarshalJSON writes the credential as a flat object with sorted keys.
func (c Credential) MarshalJSON() ([]byte, error) {
	return encodeCanonical(c.flatten())
}

func (c Credential) flatten() map[string]any {
	out := make(map[string]any, len(c.Extra)+5)
	for k, v := range c.Extra {
		out[k] = v
	}
	for k, field := range credentialFields {
		if v := *field(&c); v != "" {
			out[k] = v
		}
	}
	return out
}

// UnmarshalJSON decodes an auth.json document.
func (d *Document) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Document{}
	for k, v := range raw {
		switch k {
		case "last_refresh":
			if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
				continue
			}
			if err := json.Unmarshal(v, &d.LastRefresh); err != nil {
				return fmt.Errorf("last_refresh must be a string")
			}
		case "auths":
			if err := json.Unmarshal(v, &d.Auths); err != nil {
				return fmt.Errorf("auths: %w", err)
			}
		default:
			val, err := decodeValue(v)
			if err != nil {
				return err
			}
			if d.Extras == nil {
				d.Extras = map[string]any{}
			}
			d.Extras[k] = val
		}
	}
	return nil
}

// MarshalJSON writes the full document, extras included.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extras)+2)
	for k, v := range d.Extras {
		out[k] = v
	}
	out["last_refresh"] = d.LastRefresh
	out["auths"] = d.authsMap()
	return encodeCanonical(out)
}

// Validate checks the document once at the boundary.
func (d *Document) Validate() error {
	if d == nil {
		return apperr.Validation("auth", "is required")
	}
	verr := &apperr.ValidationError{}
	if strings.TrimSpace(d.LastRefresh) == "" {
		verr.Add("auth.last_refresh", "is required")
	} else if _, err := time.Parse(time.RFC3339Nano, d.LastRefresh); err != nil {
		verr.Add("auth.last_refresh", "must be an RFC3339 timestamp")
	}
	if len(d.Auths) == 0 {
		verr.Add("auth.auths", "must contain at least one target")
	}
	for target, cred := range d.Auths {
		if strings.TrimSpace(target) == "" {
			verr.Add("auth.auths", "target names must not be empty")
			continue
		}
		if strings.TrimSpace(cred.Token) == "" {
			verr.Add("auth.auths."+target+".token", "is required")
		}
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// Canonicalize returns the byte-stable encoding the digest is computed over:
// {"auths":{...},"last_refresh":"..."} with keys sorted at every level and
// no HTML escaping.
func (d *Document) Canonicalize() ([]byte, error) {
	return encodeCanonical(map[string]any{
		"auths":        d.authsMap(),
		"last_refresh": d.LastRefresh,
	})
}

// Digest is the lowercase hex sha256 of Canonicalize.
func (d *Document) Digest() (string, error) {
	b, err := d.Canonicalize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Entries converts the auths map to ledger entries ordered by target.
func (d *Document) Entries() []ledger.Entry {
	targets := make([]string, 0, len(d.Auths))
	for t := range d.Auths {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	out := make([]ledger.Entry, 0, len(targets))
	for _, t := range targets {
		c := d.Auths[t]
		out = append(out, ledger.Entry{
			Target:       t,
			Token:        c.Token,
			TokenType:    c.TokenType,
			Organization: c.Organization,
			Project:      c.Project,
			APIBase:      c.APIBase,
			Meta:         c.Extra,
		})
	}
	return out
}

// DocumentFromPayload rebuilds the document a payload was stored from.
func DocumentFromPayload(p *ledger.Payload) *Document {
	d := &Document{
		LastRefresh: p.LastRefresh,
		Auths:       make(map[string]Credential, len(p.Entries)),
		Extras:      p.Extras,
	}
	for _, e := range p.Entries {
		d.Auths[e.Target] = Credential{
			Token:        e.Token,
			TokenType:    e.TokenType,
			Organization: e.Organization,
			Project:      e.Project,
			APIBase:      e.APIBase,
			Extra:        e.Meta,
		}
	}
	return d
}

func (d *Document) authsMap() map[string]any {
	out := make(map[string]any, len(d.Auths))
	for t, c := range d.Auths {
		out[t] = c.flatten()
	}
	return out
}

func encodeCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func decodeObject(data []byte) (map[string]any, error) {
	v, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return obj, nil
}

// decodeValue keeps numbers as json.Number so they re-encode byte for byte.
func decodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
