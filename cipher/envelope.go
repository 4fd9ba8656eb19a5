package cipher

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Mode records which provider produced an envelope.
type Mode string

const (
	// ModeKMS marks ciphertext produced by the key-management provider.
	ModeKMS Mode = "kms"

	// ModeLocal marks the reversible local encoding used in degraded mode.
	// It offers no confidentiality.
	ModeLocal Mode = "local"
)

// Envelope is the stored form of an encrypted field.
type Envelope struct {
	Ciphertext  string `dynamodbav:"ciphertext"`
	KeyVersion  string `dynamodbav:"keyVersion"`
	EncryptedAt string `dynamodbav:"encryptedAt"`
	Mode        Mode   `dynamodbav:"mode"`
}

// Value is a sensitive field as stored: either a plaintext scalar or an
// Envelope, never both.
type Value struct {
	Plain    string
	Envelope *Envelope
}

// Encrypted reports whether v holds an envelope.
func (v Value) Encrypted() bool { return v.Envelope != nil }

// MarshalDynamoDBAttributeValue stores plaintext as S and envelopes as M.
func (v Value) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	if v.Envelope == nil {
		return &types.AttributeValueMemberS{Value: v.Plain}, nil
	}
	m, err := attributevalue.MarshalMap(v.Envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return &types.AttributeValueMemberM{Value: m}, nil
}

// UnmarshalDynamoDBAttributeValue accepts either stored form.
func (v *Value) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	switch t := av.(type) {
	case *types.AttributeValueMemberS:
		*v = Value{Plain: t.Value}
		return nil
	case *types.AttributeValueMemberM:
		var env Envelope
		if err := attributevalue.UnmarshalMap(t.Value, &env); err != nil {
			return fmt.Errorf("unmarshal envelope: %w", err)
		}
		if env.Ciphertext == "" || env.Mode == "" {
			return ErrMalformedEnvelope
		}
		*v = Value{Envelope: &env}
		return nil
	}
	return fmt.Errorf("%w: unexpected attribute type %T", ErrMalformedEnvelope, av)
}

// ErrMalformedEnvelope is returned when a stored value is neither a string
// nor a complete envelope.
var ErrMalformedEnvelope = errors.New("cipher: malformed envelope")

// ValueOf decodes a stored attribute.
func ValueOf(av types.AttributeValue) (Value, error) {
	var v Value
	err := v.UnmarshalDynamoDBAttributeValue(av)
	return v, err
}
