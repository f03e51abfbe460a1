package authsync

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetauth/pkg/apperr"
	"fleetauth/services/ledger"
)

func decodeDoc(t *testing.T, raw string) *Document {
	t.Helper()
	var d Document
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	return &d
}

func TestDigestStableUnderKeyReordering(t *testing.T) {
	a := decodeDoc(t, `{
		"last_refresh": "2026-03-01T10:00:00Z",
		"auths": {
			"openai": {"token": "sk-1", "token_type": "bearer", "organization": "org-1"},
			"anthropic": {"project": "p", "token": "sk-2", "seats": 4}
		},
		"tool": "codex"
	}`)
	b := decodeDoc(t, `{
		"auths": {
			"anthropic": {"seats": 4, "token": "sk-2", "project": "p"},
			"openai": {"organization": "org-1", "token_type": "bearer", "token": "sk-1"}
		},
		"last_refresh": "2026-03-01T10:00:00Z"
	}`)

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Len(t, da, 64)
}

func TestDigestChangesWithTokenContent(t *testing.T) {
	a := decodeDoc(t, `{"last_refresh":"2026-03-01T10:00:00Z","auths":{"openai":{"token":"sk-old-1"}}}`)
	b := decodeDoc(t, `{"last_refresh":"2026-03-01T10:00:00Z","auths":{"openai":{"token":"sk-new-1"}}}`)

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestCanonicalizeDoesNotEscapeHTML(t *testing.T) {
	d := decodeDoc(t, `{"last_refresh":"2026-03-01T10:00:00Z","auths":{"a<b>":{"token":"x&y"}}}`)
	b, err := d.Canonicalize()
	require.NoError(t, err)
	assert.Equal(t, `{"auths":{"a<b>":{"token":"x&y"}},"last_refresh":"2026-03-01T10:00:00Z"}`, string(b))
}

func TestDocumentRoundTripKeepsExtras(t *testing.T) {
	raw := `{"auths":{"openai":{"seats":4,"token":"sk-1"}},"last_refresh":"2026-03-01T10:00:00Z","tool":{"name":"codex"}}`
	d := decodeDoc(t, raw)
	assert.Equal(t, map[string]any{"seats": json.Number("4")}, d.Auths["openai"].Extra)

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestCredentialRejectsNonStringToken(t *testing.T) {
	var d Document
	err := json.Unmarshal([]byte(`{"last_refresh":"2026-03-01T10:00:00Z","auths":{"openai":{"token":42}}}`), &d)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	var nilDoc *Document
	assert.ErrorIs(t, nilDoc.Validate(), apperr.ErrValidation)

	err := decodeDoc(t, `{"auths":{"openai":{"token":"sk"}}}`).Validate()
	var verr *apperr.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "auth.last_refresh")

	err = decodeDoc(t, `{"last_refresh":"yesterday","auths":{"openai":{"token":"sk"}}}`).Validate()
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "must be an RFC3339 timestamp", verr.Fields["auth.last_refresh"])

	err = decodeDoc(t, `{"last_refresh":"2026-03-01T10:00:00Z","auths":{"openai":{"token":""}}}`).Validate()
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "auth.auths.openai.token")

	err = decodeDoc(t, `{"last_refresh":"2026-03-01T10:00:00Z","auths":{}}`).Validate()
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "auth.auths")

	assert.NoError(t, decodeDoc(t, `{"last_refresh":"2026-03-01T10:00:00Z","auths":{"openai":{"token":"sk"}}}`).Validate())
}

func TestEntriesAndDocumentFromPayload(t *testing.T) {
	d := decodeDoc(t, `{"last_refresh":"2026-03-01T10:00:00Z","auths":{"z":{"token":"t-z"},"a":{"token":"t-a","api_base":"https://api"}}}`)
	entries := d.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Target)
	assert.Equal(t, "https://api", entries[0].APIBase)

	back := DocumentFromPayload(&ledger.Payload{LastRefresh: d.LastRefresh, Entries: entries})
	want, err := d.Digest()
	require.NoError(t, err)
	got, err := back.Digest()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
