package records

import (
	"context"
	"fmt"
	"runtime"

	"github.com/dmitrijs2005/sshkeeper/internal/fieldcrypt"
	"golang.org/x/sync/errgroup"
)

// Codec encrypts and decrypts the sensitive fields of one entity kind.
// Records are passed by value; the caller's copy is never modified.
type Codec[T any] struct {
	desc     Descriptor[T]
	migrator *fieldcrypt.Migrator
	workers  int
}

// NewCodec builds a codec for desc. workers bounds DecryptRecords
// parallelism; non-positive means runtime.NumCPU().
func NewCodec[T any](desc Descriptor[T], m *fieldcrypt.Migrator, workers int) *Codec[T] {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Codec[T]{desc: desc, migrator: m, workers: workers}
}

func (c *Codec[T]) Kind() Kind { return c.desc.Kind }

func (c *Codec[T]) Descriptor() Descriptor[T] { return c.desc }

// EncryptRecord replaces every non-empty sensitive field with a fresh
// envelope. Input values are taken as plaintext.
func (c *Codec[T]) EncryptRecord(rec T, dek []byte) (T, error) {
	id := c.desc.ID(&rec)
	for _, f := range c.desc.Sensitive {
		p := f.Value(&rec)
		if *p == "" {
			continue
		}
		enc, err := fieldcrypt.Encrypt(*p, dek, id, f.Name)
		if err != nil {
			return rec, fmt.Errorf("encrypt %s.%s: %w", c.desc.Kind, f.Name, err)
		}
		*p = enc
	}
	return rec, nil
}

// EncryptFields seals individual fields of the record with the given id.
// values is keyed by field name; the result is keyed by column, ready for
// Store.UpdateSensitiveFields. An empty value clears the column.
func (c *Codec[T]) EncryptFields(id string, values map[string]string, dek []byte) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for name, v := range values {
		f, ok := c.field(name)
		if !ok {
			return nil, fmt.Errorf("%s has no sensitive field %q", c.desc.Kind, name)
		}
		if v == "" {
			out[f.Column] = ""
			continue
		}
		enc, err := fieldcrypt.Encrypt(v, dek, id, name)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s.%s: %w", c.desc.Kind, name, err)
		}
		out[f.Column] = enc
	}
	return out, nil
}

func (c *Codec[T]) field(name string) (Field[T], bool) {
	for _, f := range c.desc.Sensitive {
		if f.Name == name {
			return f, true
		}
	}
	return Field[T]{}, false
}

// DecryptRecord reads every sensitive field through the migrator's safe
// read: plaintext and legacy values come back readable, undecryptable ones
// come back empty and are reported to the integrity tracker.
func (c *Codec[T]) DecryptRecord(ctx context.Context, rec T, dek []byte) T {
	id := c.desc.ID(&rec)
	for _, f := range c.desc.Sensitive {
		p := f.Value(&rec)
		r := c.migrator.SafeRead(ctx, string(c.desc.Kind), *p, dek, id, f.Name)
		*p = r.Value
	}
	return rec
}

// DecryptRecords decrypts recs concurrently, preserving order.
func (c *Codec[T]) DecryptRecords(ctx context.Context, recs []T, dek []byte) ([]T, error) {
	out := make([]T, len(recs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := range recs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = c.DecryptRecord(ctx, recs[i], dek)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FieldOutcome tallies what MigrateRecord found in one record.
type FieldOutcome struct {
	// Changed maps column name to the new stored value.
	Changed   map[string]string
	Plaintext int
	Legacy    int
	Failed    int
}

// MigrateRecord upgrades every sensitive field of rec and reports which
// columns need to be written back. Undecryptable fields are left as they are.
func (c *Codec[T]) MigrateRecord(rec T, dek []byte) (T, FieldOutcome) {
	id := c.desc.ID(&rec)
	out := FieldOutcome{Changed: map[string]string{}}
	for _, f := range c.desc.Sensitive {
		p := f.Value(&rec)
		res, err := c.migrator.Migrate(*p, dek, id, f.Name)
		if err != nil {
			out.Failed++
			continue
		}
		if !res.Changed() {
			continue
		}
		if res.WasPlaintext {
			out.Plaintext++
		}
		if res.WasLegacy {
			out.Legacy++
		}
		*p = res.Encrypted
		out.Changed[f.Column] = res.Encrypted
	}
	return rec, out
}

// ReencryptRecord seals every readable sensitive field again under dek with
// fresh salts and nonces. Fields that cannot be read are left untouched so
// no data is replaced by an empty value.
func (c *Codec[T]) ReencryptRecord(ctx context.Context, rec T, dek []byte) (T, map[string]string, error) {
	id := c.desc.ID(&rec)
	changed := map[string]string{}
	for _, f := range c.desc.Sensitive {
		p := f.Value(&rec)
		if *p == "" {
			continue
		}
		r := c.migrator.SafeRead(ctx, string(c.desc.Kind), *p, dek, id, f.Name)
		if !r.OK() {
			continue
		}
		enc, err := fieldcrypt.Encrypt(r.Value, dek, id, f.Name)
		if err != nil {
			return rec, nil, fmt.Errorf("re-encrypt %s.%s: %w", c.desc.Kind, f.Name, err)
		}
		*p = enc
		changed[f.Column] = enc
	}
	return rec, changed, nil
}
