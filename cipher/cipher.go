// Package cipher encrypts the sensitive fields of entity records.
//
// Writes always encrypt. Reads return envelopes untouched unless the caller
// asks for the values to be revealed.
//
// When the key provider cannot be reached the cipher may fall back to a
// reversible local encoding, marked with ModeLocal. The fallback is only
// taken when it was enabled at construction; configuration refuses to
// enable it in production.
package cipher

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/fieldops/fault"
	"github.com/jacentio/fieldops/keys"
)

// DefaultFields lists the sensitive fields of each entity type.
var DefaultFields = map[keys.EntityType][]string{
	keys.Customer: {"name", "email", "phone"},
	keys.Contact:  {"name", "email", "phone"},
	keys.Device:   {"serialNumber"},
	keys.Sim:      {"mobileNumber", "provider"},
	keys.Address:  {"addressLine1", "addressLine2"},
}

// Options configures a Cipher.
type Options struct {
	// AllowLocalFallback enables degraded mode when the provider is
	// unavailable. Never set in production.
	AllowLocalFallback bool

	// Fields overrides DefaultFields when non-nil.
	Fields map[keys.EntityType][]string

	Logger *slog.Logger
	Now    func() time.Time
}

// Cipher applies field-level encryption per entity type.
type Cipher struct {
	provider      KeyProvider
	local         LocalProvider
	allowDegraded bool
	fields        map[keys.EntityType][]string
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a Cipher. provider may be nil, in which case every write
// either degrades to local encoding or fails, depending on opts.
func New(provider KeyProvider, opts Options) *Cipher {
	c := &Cipher{
		provider:      provider,
		allowDegraded: opts.AllowLocalFallback,
		fields:        opts.Fields,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if c.fields == nil {
		c.fields = DefaultFields
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Sensitive returns the sensitive field names of t.
func (c *Cipher) Sensitive(t keys.EntityType) []string {
	return c.fields[t]
}

// IsSensitive reports whether field is encrypted for t.
func (c *Cipher) IsSensitive(t keys.EntityType, field string) bool {
	for _, f := range c.fields[t] {
		if f == field {
			return true
		}
	}
	return false
}

// EncryptFields returns a copy of rec with every sensitive, non-empty string
// field replaced by an envelope. Absent and empty fields pass through, as do
// fields that already hold an envelope.
func (c *Cipher) EncryptFields(ctx context.Context, t keys.EntityType, rec map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	names := c.pending(t, rec)
	if len(names) == 0 {
		return rec, nil
	}

	provider, mode, err := c.active(ctx, t)
	if err != nil {
		return nil, err
	}

	out := maps.Clone(rec)
	at := c.now().UTC().Format(time.RFC3339)
	for _, name := range names {
		plain := rec[name].(*types.AttributeValueMemberS).Value
		env, err := c.seal(ctx, provider, mode, plain, at)
		if err != nil && mode == ModeKMS && c.allowDegraded {
			c.logger.Warn("key provider failed, encrypting locally",
				"entityType", t,
				"field", name,
				"error", err,
			)
			env, err = c.seal(ctx, c.local, ModeLocal, plain, at)
		}
		if err != nil {
			return nil, fault.Unavailable("key provider", err)
		}
		av, err := Value{Envelope: env}.MarshalDynamoDBAttributeValue()
		if err != nil {
			return nil, fault.Internal("encrypt fields", err)
		}
		out[name] = av
	}
	return out, nil
}

// DecryptFields returns rec unchanged unless reveal is set, in which case
// every sensitive envelope is replaced by its plaintext.
func (c *Cipher) DecryptFields(ctx context.Context, t keys.EntityType, rec map[string]types.AttributeValue, reveal bool) (map[string]types.AttributeValue, error) {
	if !reveal || rec == nil {
		return rec, nil
	}

	out := maps.Clone(rec)
	for _, name := range c.fields[t] {
		av, ok := rec[name]
		if !ok {
			continue
		}
		v, err := ValueOf(av)
		if err != nil {
			return nil, fault.Internal("decrypt "+name, err)
		}
		if !v.Encrypted() {
			continue
		}
		plain, err := c.Open(ctx, v.Envelope)
		if err != nil {
			return nil, err
		}
		out[name] = &types.AttributeValueMemberS{Value: plain}
	}
	return out, nil
}

// Open decrypts a single envelope.
func (c *Cipher) Open(ctx context.Context, env *Envelope) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fault.Internal("decode ciphertext", err)
	}

	var provider KeyProvider
	switch env.Mode {
	case ModeLocal:
		provider = c.local
	case ModeKMS:
		if c.provider == nil {
			return "", fault.Unavailable("key provider", ErrProviderUnavailable)
		}
		provider = c.provider
	default:
		return "", fault.Internal("decrypt", fmt.Errorf("%w: mode %q", ErrMalformedEnvelope, env.Mode))
	}

	plain, err := provider.Decrypt(ctx, blob)
	if err != nil {
		return "", fault.Unavailable("key provider", err)
	}
	return string(plain), nil
}

// pending returns the sensitive fields of rec that still hold plaintext.
func (c *Cipher) pending(t keys.EntityType, rec map[string]types.AttributeValue) []string {
	var names []string
	for _, name := range c.fields[t] {
		if s, ok := rec[name].(*types.AttributeValueMemberS); ok && s.Value != "" {
			names = append(names, name)
		}
	}
	return names
}

// active picks the provider for one write.
func (c *Cipher) active(ctx context.Context, t keys.EntityType) (KeyProvider, Mode, error) {
	if c.provider != nil && c.provider.Available(ctx) {
		return c.provider, ModeKMS, nil
	}
	if !c.allowDegraded {
		return nil, "", fault.Unavailable("key provider", ErrProviderUnavailable)
	}
	c.logger.Warn("key provider unavailable, using local encoding", "entityType", t)
	return c.local, ModeLocal, nil
}

func (c *Cipher) seal(ctx context.Context, p KeyProvider, mode Mode, plain, at string) (*Envelope, error) {
	blob, version, err := p.Encrypt(ctx, []byte(plain))
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ciphertext:  base64.StdEncoding.EncodeToString(blob),
		KeyVersion:  version,
		EncryptedAt: at,
		Mode:        mode,
	}, nil
}
