package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

// EncodeDescriptor serializes d as a protobuf Struct. Values outside the
// JSON data model (structs, typed slices, named types) are normalized
// through their JSON form first.
func EncodeDescriptor(d types.Descriptor) ([]byte, error) {
	s, err := structpb.NewStruct(d)
	if err != nil {
		normalized, nerr := normalize(d)
		if nerr != nil {
			return nil, fmt.Errorf("queue: encode descriptor: %w", err)
		}
		if s, err = structpb.NewStruct(normalized); err != nil {
			return nil, fmt.Errorf("queue: encode descriptor: %w", err)
		}
	}
	return proto.Marshal(s)
}

// DecodeDescriptor reverses EncodeDescriptor. Numbers come back as float64.
func DecodeDescriptor(b []byte) (types.Descriptor, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("queue: decode descriptor: %w", err)
	}
	return types.Descriptor(s.AsMap()), nil
}

func normalize(d types.Descriptor) (map[string]any, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PushDescriptor encodes d and pushes it.
func (q *Queue) PushDescriptor(ctx context.Context, d types.Descriptor) error {
	rec, err := EncodeDescriptor(d)
	if err != nil {
		return err
	}
	return q.Push(ctx, rec)
}

// PopDescriptor pops and decodes the next descriptor.
func (q *Queue) PopDescriptor(ctx context.Context) (types.Descriptor, error) {
	rec, err := q.Pop(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeDescriptor(rec)
}
