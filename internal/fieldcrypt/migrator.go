package fieldcrypt

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
)

// Class is what a stored field value turned out to be.
type Class int

const (
	// Plaintext is anything without the envelope shape, including malformed JSON.
	Plaintext Class = iota
	// CurrentCipher opens under the canonical field name.
	CurrentCipher
	// LegacyCipher only opens under a legacy alias of the field name.
	LegacyCipher
	// Undecryptable has the envelope shape but opens under no known name.
	Undecryptable
)

func (c Class) String() string {
	switch c {
	case Plaintext:
		return "plaintext"
	case CurrentCipher:
		return "current"
	case LegacyCipher:
		return "legacy"
	default:
		return "undecryptable"
	}
}

// Classify looks at shape only: values that parse as an envelope are
// reported as CurrentCipher, everything else as Plaintext. Telling current
// from legacy needs the key; see Migrator.Inspect.
//
// A plaintext that happens to be a JSON object with all envelope members is
// misread as ciphertext. An explicit encrypted/version column would remove
// that ambiguity.
func Classify(value string) Class {
	if _, ok := ParseEnvelope(value); ok {
		return CurrentCipher
	}
	return Plaintext
}

// Inspection is the keyed classification of a stored value.
type Inspection struct {
	Class     Class
	Plaintext string
	// Alias is the legacy name that opened the envelope, if any.
	Alias string
	Err   error
}

// MigrationResult reports what Migrate did to a value.
type MigrationResult struct {
	Encrypted    string
	WasPlaintext bool
	WasLegacy    bool
}

// Changed reports whether the stored value must be rewritten.
func (r MigrationResult) Changed() bool {
	return r.WasPlaintext || r.WasLegacy
}

// ReadResult is the outcome of a safe read. Value is empty when Err is set.
type ReadResult struct {
	Value string
	Class Class
	Err   error
}

func (r ReadResult) OK() bool { return r.Err == nil }

// Migrator classifies stored values with a key and upgrades them in place.
type Migrator struct {
	aliases AliasTable
	tracker *IntegrityTracker
	logger  logging.Logger
}

func NewMigrator(aliases AliasTable, tracker *IntegrityTracker, logger logging.Logger) *Migrator {
	if aliases == nil {
		aliases = DefaultAliases
	}
	if tracker == nil {
		tracker = NewIntegrityTracker()
	}
	return &Migrator{aliases: aliases, tracker: tracker, logger: logger.With("module", "fieldcrypt")}
}

func (m *Migrator) Tracker() *IntegrityTracker { return m.tracker }

// Inspect decides whether value is plaintext, current or legacy ciphertext,
// or undecryptable, and returns the plaintext when it can.
func (m *Migrator) Inspect(value string, dek []byte, recordID, fieldName string) Inspection {
	env, ok := ParseEnvelope(value)
	if !ok {
		return Inspection{Class: Plaintext, Plaintext: value}
	}

	plain, err := DecryptField(env, dek, recordID, fieldName)
	if err == nil {
		return Inspection{Class: CurrentCipher, Plaintext: plain}
	}
	if errors.Is(err, common.ErrContextMismatch) {
		return Inspection{Class: Undecryptable, Err: err}
	}

	for _, alias := range m.aliases.Lookup(fieldName) {
		plain, aliasErr := DecryptField(env, dek, recordID, alias)
		if aliasErr == nil {
			return Inspection{Class: LegacyCipher, Plaintext: plain, Alias: alias}
		}
	}
	return Inspection{Class: Undecryptable, Err: err}
}

// Migrate brings value to the current scheme. Current envelopes come back
// untouched, so migrating twice is a no-op the second time. Empty values
// stay empty.
func (m *Migrator) Migrate(value string, dek []byte, recordID, fieldName string) (MigrationResult, error) {
	if value == "" {
		return MigrationResult{}, nil
	}

	in := m.Inspect(value, dek, recordID, fieldName)
	switch in.Class {
	case CurrentCipher:
		return MigrationResult{Encrypted: value}, nil
	case Undecryptable:
		return MigrationResult{Encrypted: value}, in.Err
	}

	enc, err := Encrypt(in.Plaintext, dek, recordID, fieldName)
	if err != nil {
		return MigrationResult{Encrypted: value}, err
	}
	return MigrationResult{
		Encrypted:    enc,
		WasPlaintext: in.Class == Plaintext,
		WasLegacy:    in.Class == LegacyCipher,
	}, nil
}

// SafeRead returns the plaintext of a stored value without ever failing the
// surrounding read. Undecryptable values yield an empty Value and an Err,
// and are logged and counted as data-integrity events.
func (m *Migrator) SafeRead(ctx context.Context, kind, value string, dek []byte, recordID, fieldName string) ReadResult {
	if value == "" {
		return ReadResult{Class: Plaintext}
	}

	in := m.Inspect(value, dek, recordID, fieldName)
	if in.Class != Undecryptable {
		return ReadResult{Value: in.Plaintext, Class: in.Class}
	}

	m.tracker.Record(kind, fieldName, recordID, in.Err)
	if errors.Is(in.Err, common.ErrContextMismatch) {
		m.logger.Error(ctx, "field envelope bound to another record",
			"event", "context_mismatch", "kind", kind, "field", fieldName, "record_id", recordID)
	} else {
		m.logger.Warn(ctx, "undecryptable sensitive field",
			"event", "data_integrity", "kind", kind, "field", fieldName, "record_id", recordID, "error", in.Err)
	}
	return ReadResult{Class: Undecryptable, Err: in.Err}
}
