package grpcfallback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func TestMethodsFromServiceDesc(t *testing.T) {
	desc := &grpc.ServiceDesc{
		ServiceName: "test.Things",
		Methods:     []grpc.MethodDesc{{MethodName: "GetThing"}},
		Streams: []grpc.StreamDesc{
			{StreamName: "WatchThings", ServerStreams: true},
			{StreamName: "UploadThings", ClientStreams: true},
		},
	}
	methods := MethodsFromServiceDesc(desc)
	require.Len(t, methods, 3)
	assert.Equal(t, &Method{Name: "GetThing", ServiceName: "test.Things"}, methods[0])
	assert.Equal(t, &Method{Name: "WatchThings", ServiceName: "test.Things", ServerStreams: true}, methods[1])
	assert.Equal(t, &Method{Name: "UploadThings", ServiceName: "test.Things", ClientStreams: true}, methods[2])
	assert.Equal(t, "/test.Things/WatchThings", methods[1].FullMethod())
	assert.Equal(t, "/test.Things/WatchThings", methods[1].String())
}

func TestMethodsFromDescriptor(t *testing.T) {
	sd := grpc_health_v1.File_grpc_health_v1_health_proto.Services().ByName("Health")
	require.NotNil(t, sd)
	methods := MethodsFromDescriptor(sd)
	byName := map[string]*Method{}
	for _, m := range methods {
		byName[m.Name] = m
	}

	check := byName["Check"]
	require.NotNil(t, check)
	assert.Equal(t, "grpc.health.v1.Health", check.ServiceName)
	assert.False(t, check.ServerStreams)
	assert.Equal(t, "grpc.health.v1.HealthCheckRequest", string(check.Desc.Input().FullName()))

	watch := byName["Watch"]
	require.NotNil(t, watch)
	assert.True(t, watch.ServerStreams)
	assert.False(t, watch.ClientStreams)
	assert.Equal(t, "/grpc.health.v1.Health/Watch", watch.FullMethod())

	// same shape as the generated service description
	fromDesc := MethodsFromServiceDesc(&grpc_health_v1.Health_ServiceDesc)
	assert.Len(t, fromDesc, len(methods))
}
