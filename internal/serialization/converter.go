package serialization

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// JSONToProtoStruct converts a generic JSON object into a structpb.Struct
// so it can travel on the protobuf payload path without generated code.
func JSONToProtoStruct(jsonData map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(jsonData)
	if err != nil {
		return nil, fmt.Errorf("failed to convert payload to proto struct: %w", err)
	}
	return s, nil
}

// ProtoStructToJSON converts a structpb.Struct back to a JSON-compatible map
func ProtoStructToJSON(s *structpb.Struct) map[string]interface{} {
	if s == nil {
		return nil
	}
	return s.AsMap()
}

// TimestampToProto converts an RFC3339 string to a protobuf timestamp.
// Returns nil for an unparseable value rather than failing the payload.
func TimestampToProto(v string) *timestamppb.Timestamp {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return timestamppb.New(t)
}

// ProtoToTimestamp formats a protobuf timestamp as RFC3339.
func ProtoToTimestamp(ts *timestamppb.Timestamp) string {
	if ts == nil {
		return ""
	}
	return ts.AsTime().Format(time.RFC3339)
}

// ToProtoMessage converts a raw JSON payload into a protobuf message ready
// for the serializer's protobuf format.
func ToProtoMessage(payload []byte) (*structpb.Struct, error) {
	var jsonData map[string]interface{}
	if err := json.Unmarshal(payload, &jsonData); err != nil {
		return nil, fmt.Errorf("failed to parse JSON payload: %w", err)
	}
	return JSONToProtoStruct(jsonData)
}

// FromProtoMessage converts a structpb.Struct back into a JSON payload.
func FromProtoMessage(s *structpb.Struct) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("nil proto struct")
	}
	return json.Marshal(s.AsMap())
}
