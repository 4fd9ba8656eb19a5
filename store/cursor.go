package store

import (
	"encoding/base64"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/fieldops/fault"
)

// EncodeCursor turns a LastEvaluatedKey into an opaque continuation token.
// Keys in this store are all strings, so the token is the base64 of a JSON
// object of attribute name to value.
func EncodeCursor(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	plain := make(map[string]string, len(key))
	for k, v := range key {
		s, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return "", fault.Internal("encode cursor", errCursorAttr(k))
		}
		plain[k] = s.Value
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return "", fault.Internal("encode cursor", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor reverses EncodeCursor. A malformed token is a validation error.
func DecodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fault.Invalid("cursor", "malformed continuation token")
	}
	var plain map[string]string
	if err := json.Unmarshal(raw, &plain); err != nil || plain[AttrPK] == "" || plain[AttrSK] == "" {
		return nil, fault.Invalid("cursor", "malformed continuation token")
	}
	out := make(map[string]types.AttributeValue, len(plain))
	for k, v := range plain {
		out[k] = &types.AttributeValueMemberS{Value: v}
	}
	return out, nil
}

type errCursorAttr string

func (e errCursorAttr) Error() string { return "non-string key attribute " + string(e) }
