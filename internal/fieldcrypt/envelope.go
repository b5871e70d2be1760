// Package fieldcrypt encrypts single record fields into JSON envelopes bound
// to their (record id, field name) context, and classifies and upgrades
// stored values that predate the current scheme.
package fieldcrypt

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/cryptox"
)

// Envelope is the persisted form of an encrypted field. It replaces the
// plaintext column value as a small JSON object.
type Envelope struct {
	Data     string `json:"data"`
	IV       string `json:"iv"`
	Tag      string `json:"tag"`
	Salt     string `json:"salt"`
	RecordID string `json:"recordId"`
}

// wireEnvelope additionally accepts the "ciphertext" spelling of data.
type wireEnvelope struct {
	Envelope
	Ciphertext string `json:"ciphertext"`
}

// ParseEnvelope reports whether value has the envelope shape: a JSON object
// carrying data (or ciphertext), iv, tag, salt and recordId, all non-empty.
// It does not validate the encodings; that happens on decrypt.
func ParseEnvelope(value string) (*Envelope, bool) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}

	var w wireEnvelope
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return nil, false
	}
	if w.Data == "" {
		w.Data = w.Ciphertext
	}

	e := w.Envelope
	if e.Data == "" || e.IV == "" || e.Tag == "" || e.Salt == "" || e.RecordID == "" {
		return nil, false
	}
	return &e, true
}

// String renders the envelope as stored in the database.
func (e *Envelope) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}

func (e *Envelope) sealed() (*cryptox.Sealed, []byte, error) {
	ct, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, nil, common.ErrIntegrity
	}
	iv, err := base64.StdEncoding.DecodeString(e.IV)
	if err != nil {
		return nil, nil, common.ErrIntegrity
	}
	tag, err := base64.StdEncoding.DecodeString(e.Tag)
	if err != nil {
		return nil, nil, common.ErrIntegrity
	}
	salt, err := base64.StdEncoding.DecodeString(e.Salt)
	if err != nil {
		return nil, nil, common.ErrIntegrity
	}
	return &cryptox.Sealed{Nonce: iv, Ciphertext: ct, Tag: tag}, salt, nil
}

func newEnvelope(s *cryptox.Sealed, salt []byte, recordID string) *Envelope {
	return &Envelope{
		Data:     base64.StdEncoding.EncodeToString(s.Ciphertext),
		IV:       base64.StdEncoding.EncodeToString(s.Nonce),
		Tag:      base64.StdEncoding.EncodeToString(s.Tag),
		Salt:     base64.StdEncoding.EncodeToString(salt),
		RecordID: recordID,
	}
}
