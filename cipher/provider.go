package cipher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KeyProvider encrypts and decrypts small values with a managed key.
type KeyProvider interface {
	// Encrypt returns the ciphertext blob and the version of the key used.
	Encrypt(ctx context.Context, plaintext []byte) (blob []byte, keyVersion string, err error)
	Decrypt(ctx context.Context, blob []byte) ([]byte, error)

	// Available reports whether the provider can currently be used.
	Available(ctx context.Context) bool
}

// KMSAPI is the subset of the KMS API used by KMSProvider. It is satisfied
// by *kms.Client.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// KMSProvider is a KeyProvider backed by AWS KMS.
type KMSProvider struct {
	client KMSAPI
	keyID  string
}

// NewKMSProvider creates a provider using keyID (id, ARN or alias).
func NewKMSProvider(client KMSAPI, keyID string) *KMSProvider {
	return &KMSProvider{client: client, keyID: keyID}
}

// Encrypt implements KeyProvider. The key version is the ARN KMS reports.
func (p *KMSProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, string, error) {
	out, err := p.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(p.keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, "", fmt.Errorf("kms encrypt: %w", err)
	}
	version := aws.ToString(out.KeyId)
	if version == "" {
		version = p.keyID
	}
	return out.CiphertextBlob, version, nil
}

// Decrypt implements KeyProvider.
func (p *KMSProvider) Decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	out, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(p.keyID),
		CiphertextBlob: blob,
	})
	if err != nil {
		return nil, fmt.Errorf("kms decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// Available implements KeyProvider: the key must exist and be enabled.
func (p *KMSProvider) Available(ctx context.Context) bool {
	if p.keyID == "" {
		return false
	}
	out, err := p.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(p.keyID)})
	if err != nil || out.KeyMetadata == nil {
		return false
	}
	return out.KeyMetadata.Enabled && out.KeyMetadata.KeyState == kmstypes.KeyStateEnabled
}

// LocalKeyVersion is the key version recorded on locally encoded envelopes.
const LocalKeyVersion = "local"

// LocalProvider is the reversible degraded-mode encoding. It only exists so
// development and test environments keep working without KMS.
type LocalProvider struct{}

// Encrypt implements KeyProvider.
func (LocalProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, string, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(plaintext)))
	base64.StdEncoding.Encode(out, plaintext)
	return out, LocalKeyVersion, nil
}

// Decrypt implements KeyProvider.
func (LocalProvider) Decrypt(_ context.Context, blob []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(blob)))
	n, err := base64.StdEncoding.Decode(out, blob)
	if err != nil {
		return nil, fmt.Errorf("local decode: %w", err)
	}
	return out[:n], nil
}

// Available implements KeyProvider.
func (LocalProvider) Available(context.Context) bool { return true }

// ErrProviderUnavailable is wrapped into the dependency error returned when
// no provider can encrypt and degraded mode is off.
var ErrProviderUnavailable = errors.New("cipher: key provider unavailable")
