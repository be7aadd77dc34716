package fallbacktesting

import (
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/api/annotations"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
	// registers google/protobuf/empty.proto, a dependency of the test file
	_ "google.golang.org/protobuf/types/known/emptypb"

	"github.com/fullstorydev/grpcfallback"
)

// WidgetServiceName is the fully-qualified name of the test service.
const WidgetServiceName = "fallbacktesting.WidgetService"

// The file below is equivalent to this proto source:
//
//	syntax = "proto3";
//	package fallbacktesting;
//
//	enum Color { COLOR_UNSPECIFIED = 0; RED = 1; GREEN = 2; BLUE = 3; }
//
//	message Widget { int64 id = 1; string name = 2; Color color = 3; string owner = 4; }
//	message GetWidgetRequest { int64 id = 1; int32 delay_millis = 2; int32 code = 3; }
//	message DeleteWidgetRequest { int64 id = 1; }
//	message WatchWidgetsRequest { int32 count = 1; int32 delay_millis = 2; int32 code = 3; Color color = 4; }
//
//	service WidgetService {
//	  rpc GetWidget(GetWidgetRequest) returns (Widget) {
//	    option (google.api.http) = { get: "/v1/widgets/{id}" };
//	  }
//	  rpc CreateWidget(Widget) returns (Widget) {
//	    option (google.api.http) = { post: "/v1/widgets" body: "*" };
//	  }
//	  rpc DeleteWidget(DeleteWidgetRequest) returns (google.protobuf.Empty) {
//	    option (google.api.http) = { delete: "/v1/widgets/{id}" };
//	  }
//	  rpc WatchWidgets(WatchWidgetsRequest) returns (stream Widget) {
//	    option (google.api.http) = { post: "/v1/widgets:watch" body: "*" };
//	  }
//	}
//
// The delay_millis and code fields ask the server to delay its reply and to
// fail with the given code.
var widgetFile = mustBuildWidgetFile()

func mustBuildWidgetFile() protoreflect.FileDescriptor {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String("fallbacktesting/widgets.proto"),
		Package:    proto.String("fallbacktesting"),
		Syntax:     proto.String("proto3"),
		Dependency: []string{"google/api/annotations.proto", "google/protobuf/empty.proto"},
		EnumType: []*descriptorpb.EnumDescriptorProto{{
			Name: proto.String("Color"),
			Value: []*descriptorpb.EnumValueDescriptorProto{
				{Name: proto.String("COLOR_UNSPECIFIED"), Number: proto.Int32(0)},
				{Name: proto.String("RED"), Number: proto.Int32(1)},
				{Name: proto.String("GREEN"), Number: proto.Int32(2)},
				{Name: proto.String("BLUE"), Number: proto.Int32(3)},
			},
		}},
		MessageType: []*descriptorpb.DescriptorProto{
			message("Widget",
				scalar("id", 1, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalar("name", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
				enum("color", 3, ".fallbacktesting.Color"),
				scalar("owner", 4, descriptorpb.FieldDescriptorProto_TYPE_STRING)),
			message("GetWidgetRequest",
				scalar("id", 1, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalar("delay_millis", 2, descriptorpb.FieldDescriptorProto_TYPE_INT32),
				scalar("code", 3, descriptorpb.FieldDescriptorProto_TYPE_INT32)),
			message("DeleteWidgetRequest",
				scalar("id", 1, descriptorpb.FieldDescriptorProto_TYPE_INT64)),
			message("WatchWidgetsRequest",
				scalar("count", 1, descriptorpb.FieldDescriptorProto_TYPE_INT32),
				scalar("delay_millis", 2, descriptorpb.FieldDescriptorProto_TYPE_INT32),
				scalar("code", 3, descriptorpb.FieldDescriptorProto_TYPE_INT32),
				enum("color", 4, ".fallbacktesting.Color")),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("WidgetService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("GetWidget", "GetWidgetRequest", "fallbacktesting.Widget", false,
					&annotations.HttpRule{Pattern: &annotations.HttpRule_Get{Get: "/v1/widgets/{id}"}}),
				method("CreateWidget", "Widget", "fallbacktesting.Widget", false,
					&annotations.HttpRule{Pattern: &annotations.HttpRule_Post{Post: "/v1/widgets"}, Body: "*"}),
				method("DeleteWidget", "DeleteWidgetRequest", "google.protobuf.Empty", false,
					&annotations.HttpRule{Pattern: &annotations.HttpRule_Delete{Delete: "/v1/widgets/{id}"}}),
				method("WatchWidgets", "WatchWidgetsRequest", "fallbacktesting.Widget", true,
					&annotations.HttpRule{Pattern: &annotations.HttpRule_Post{Post: "/v1/widgets:watch"}, Body: "*"}),
			},
		}},
	}
	fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("failed to build widget service descriptors: %v", err))
	}
	return fd
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func scalar(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func enum(name string, num int32, typeName string) *descriptorpb.FieldDescriptorProto {
	fd := scalar(name, num, descriptorpb.FieldDescriptorProto_TYPE_ENUM)
	fd.TypeName = proto.String(typeName)
	return fd
}

func method(name, input, output string, serverStreams bool, rule *annotations.HttpRule) *descriptorpb.MethodDescriptorProto {
	opts := &descriptorpb.MethodOptions{}
	proto.SetExtension(opts, annotations.E_Http, rule)
	md := &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String(".fallbacktesting." + input),
		OutputType: proto.String("." + output),
		Options:    opts,
	}
	if serverStreams {
		md.ServerStreaming = proto.Bool(true)
	}
	return md
}

// WidgetService returns the descriptor of the test service.
func WidgetService() protoreflect.ServiceDescriptor {
	return widgetFile.Services().ByName("WidgetService")
}

// WidgetMethods returns the methods of the test service, ready to be given
// to grpcfallback.NewServiceStub.
func WidgetMethods() []*grpcfallback.Method {
	return grpcfallback.MethodsFromDescriptor(WidgetService())
}

func newMessage(name protoreflect.Name) *dynamicpb.Message {
	md := widgetFile.Messages().ByName(name)
	if md == nil {
		panic(fmt.Sprintf("no such message: %s", name))
	}
	return dynamicpb.NewMessage(md)
}

func set(msg proto.Message, field string, v protoreflect.Value) {
	m := msg.ProtoReflect()
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	if fd == nil {
		panic(fmt.Sprintf("%s has no field %s", m.Descriptor().FullName(), field))
	}
	m.Set(fd, v)
}

func get(msg proto.Message, field string) protoreflect.Value {
	m := msg.ProtoReflect()
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	if fd == nil {
		return protoreflect.Value{}
	}
	return m.Get(fd)
}

func colorNumber(color string) protoreflect.EnumNumber {
	ev := widgetFile.Enums().ByName("Color").Values().ByName(protoreflect.Name(color))
	if ev == nil {
		panic(fmt.Sprintf("no such color: %s", color))
	}
	return ev.Number()
}

// NewWidget returns a Widget message. The color is an enum value name such
// as "RED"; empty means unspecified.
func NewWidget(id int64, name, color string) proto.Message {
	w := newMessage("Widget")
	set(w, "id", protoreflect.ValueOfInt64(id))
	set(w, "name", protoreflect.ValueOfString(name))
	if color != "" {
		set(w, "color", protoreflect.ValueOfEnum(colorNumber(color)))
	}
	return w
}

// NewGetWidgetRequest returns a GetWidgetRequest for the given widget.
func NewGetWidgetRequest(id int64) proto.Message {
	req := newMessage("GetWidgetRequest")
	set(req, "id", protoreflect.ValueOfInt64(id))
	return req
}

// NewDeleteWidgetRequest returns a DeleteWidgetRequest for the given widget.
func NewDeleteWidgetRequest(id int64) proto.Message {
	req := newMessage("DeleteWidgetRequest")
	set(req, "id", protoreflect.ValueOfInt64(id))
	return req
}

// NewWatchWidgetsRequest returns a WatchWidgetsRequest asking for count
// widgets.
func NewWatchWidgetsRequest(count int32) proto.Message {
	req := newMessage("WatchWidgetsRequest")
	set(req, "count", protoreflect.ValueOfInt32(count))
	return req
}

// WithDelay sets the delay_millis knob of a request and returns it. For
// WatchWidgets, the delay applies before every widget after the first.
func WithDelay(req proto.Message, d time.Duration) proto.Message {
	set(req, "delay_millis", protoreflect.ValueOfInt32(int32(d/time.Millisecond)))
	return req
}

// WithCode sets the code knob of a request and returns it.
func WithCode(req proto.Message, c codes.Code) proto.Message {
	set(req, "code", protoreflect.ValueOfInt32(int32(c)))
	return req
}

// WidgetID returns the id field of a Widget.
func WidgetID(w interface{}) int64 {
	return get(w.(proto.Message), "id").Int()
}

// WidgetName returns the name field of a Widget.
func WidgetName(w interface{}) string {
	return get(w.(proto.Message), "name").String()
}

// WidgetOwner returns the owner field of a Widget.
func WidgetOwner(w interface{}) string {
	return get(w.(proto.Message), "owner").String()
}

// WidgetColor returns the name of the color of a Widget.
func WidgetColor(w interface{}) string {
	m := w.(proto.Message)
	ev := widgetFile.Enums().ByName("Color").Values().ByNumber(get(m, "color").Enum())
	if ev == nil {
		return ""
	}
	return string(ev.Name())
}
