package internal

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// CopyMessage copies data from the given in value to the given out value. If
// both are proto messages of the same message type but different Go types
// (e.g. a dynamic message decoded by a codec and a generated message supplied
// by a caller), the data is copied via the binary encoding. It returns an
// error if the two values are of incompatible types or if out is not
// settable.
func CopyMessage(in, out interface{}) error {
	if pmIn, ok := in.(proto.Message); ok {
		if pmOut, ok := out.(proto.Message); ok {
			inName := pmIn.ProtoReflect().Descriptor().FullName()
			outName := pmOut.ProtoReflect().Descriptor().FullName()
			if inName != outName {
				return fmt.Errorf("incompatible types: %s != %s", inName, outName)
			}
			if reflect.TypeOf(in) == reflect.TypeOf(out) && pmIn.ProtoReflect().Descriptor() == pmOut.ProtoReflect().Descriptor() {
				// this does a proper deep copy
				proto.Reset(pmOut)
				proto.Merge(pmOut, pmIn)
				return nil
			}
			b, err := proto.Marshal(pmIn)
			if err != nil {
				return err
			}
			proto.Reset(pmOut)
			return proto.Unmarshal(b, pmOut)
		}
	}

	// best-effort shallow copy, for non-proto values produced by custom
	// decoders
	src := reflect.Indirect(reflect.ValueOf(in))
	dest := reflect.Indirect(reflect.ValueOf(out))
	if src.Type() != dest.Type() {
		return fmt.Errorf("incompatible types: %v != %v", src.Type(), dest.Type())
	}
	if !dest.CanSet() {
		return fmt.Errorf("unable to set destination: %v", reflect.ValueOf(out).Type())
	}
	dest.Set(src)
	return nil
}

// TranslateContextError converts the given error to a gRPC status error if it
// is a context error. If it is context.DeadlineExceeded, it is converted to an
// error with a status code of DeadlineExceeded. If it is context.Canceled, it
// is converted to an error with a status code of Canceled. If it is not a
// context error, it is returned without any conversion.
func TranslateContextError(err error) error {
	switch err {
	case context.DeadlineExceeded:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case context.Canceled:
		return status.Error(codes.Canceled, err.Error())
	}
	return err
}
