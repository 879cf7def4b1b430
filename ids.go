package pubsub

import (
	"encoding/hex"
	"strings"

	"github.com/coregx/gopubsub/model"
	"github.com/google/uuid"
	"lukechampine.com/frand"
)

// NewCID returns a new correlation ID, 24 hex characters long.
func NewCID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:12])
}

// NewMsgID returns a new message ID with the message prefix.
func NewMsgID() string {
	return model.MsgIDPrefix + hex.EncodeToString(frand.Bytes(12))
}

// NewSubKey returns a sub_key of the form zpsk.<type>[.<ext_client_id>].<suffix>.
func NewSubKey(endpointType model.EndpointType, extClientID string) string {
	if endpointType == "" {
		endpointType = model.EndpointTypeREST
	}
	parts := []string{model.SubKeyPrefix, string(endpointType)}
	if extClientID = strings.TrimSpace(extClientID); extClientID != "" {
		parts = append(parts, extClientID)
	}
	parts = append(parts, hex.EncodeToString(frand.Bytes(3)))
	return strings.Join(parts, ".")
}
