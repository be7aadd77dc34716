package fallbackcodec

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/api/annotations"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// httpRuleFor returns the google.api.http rule declared in the options of the
// given method, or nil if it has none.
func httpRuleFor(md protoreflect.MethodDescriptor) *annotations.HttpRule {
	opts, ok := md.Options().(*descriptorpb.MethodOptions)
	if !ok || opts == nil {
		return nil
	}
	if !hasForeignHTTPRule(opts) {
		return ruleOrNil(proto.GetExtension(opts, annotations.E_Http))
	}
	// Descriptors built by parsers may hold the rule as an unknown field or
	// under their own extension type; re-parse with one that knows E_Http.
	b, err := proto.Marshal(opts)
	if err != nil {
		return nil
	}
	var reparsed descriptorpb.MethodOptions
	if err := (proto.UnmarshalOptions{Resolver: protoregistry.GlobalTypes}).Unmarshal(b, &reparsed); err != nil {
		return nil
	}
	return ruleOrNil(proto.GetExtension(&reparsed, annotations.E_Http))
}

func hasForeignHTTPRule(opts *descriptorpb.MethodOptions) bool {
	num := annotations.E_Http.TypeDescriptor().Number()
	if len(opts.ProtoReflect().GetUnknown()) > 0 {
		return true
	}
	foreign := false
	opts.ProtoReflect().Range(func(fd protoreflect.FieldDescriptor, _ protoreflect.Value) bool {
		if xd, ok := fd.(protoreflect.ExtensionTypeDescriptor); ok && fd.Number() == num {
			foreign = xd.Type() != annotations.E_Http
			return false
		}
		return true
	})
	return foreign
}

func ruleOrNil(v interface{}) *annotations.HttpRule {
	if rule, ok := v.(*annotations.HttpRule); ok && rule.GetPattern() != nil {
		return rule
	}
	return nil
}

// verbAndTemplate returns the HTTP method and path template of a rule.
func verbAndTemplate(rule *annotations.HttpRule) (string, string, error) {
	switch p := rule.GetPattern().(type) {
	case *annotations.HttpRule_Get:
		return "GET", p.Get, nil
	case *annotations.HttpRule_Post:
		return "POST", p.Post, nil
	case *annotations.HttpRule_Put:
		return "PUT", p.Put, nil
	case *annotations.HttpRule_Patch:
		return "PATCH", p.Patch, nil
	case *annotations.HttpRule_Delete:
		return "DELETE", p.Delete, nil
	case *annotations.HttpRule_Custom:
		return strings.ToUpper(p.Custom.GetKind()), p.Custom.GetPath(), nil
	default:
		return "", "", fmt.Errorf("http rule has no pattern")
	}
}

// expandTemplate substitutes the variables of a path template with field
// values from msg. Variables are "{field.path}" or "{field.path=pattern}".
// It returns the expanded path and the field paths that were used.
func expandTemplate(tmpl string, msg protoreflect.Message, numericEnums bool) (string, []string, error) {
	var sb strings.Builder
	var used []string
	for {
		start := strings.IndexByte(tmpl, '{')
		if start < 0 {
			sb.WriteString(tmpl)
			return sb.String(), used, nil
		}
		end := strings.IndexByte(tmpl[start:], '}')
		if end < 0 {
			return "", nil, fmt.Errorf("malformed path template: unterminated variable in %q", tmpl)
		}
		end += start
		sb.WriteString(tmpl[:start])

		fieldPath, pattern := tmpl[start+1:end], ""
		if eq := strings.IndexByte(fieldPath, '='); eq >= 0 {
			fieldPath, pattern = fieldPath[:eq], fieldPath[eq+1:]
		}
		v, fd, err := lookupField(msg, fieldPath)
		if err != nil {
			return "", nil, err
		}
		if fd.IsList() || fd.IsMap() || fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind {
			return "", nil, fmt.Errorf("path variable %s must refer to a scalar field", fieldPath)
		}
		s := scalarString(fd, v, numericEnums)
		if s == "" {
			return "", nil, fmt.Errorf("missing value for path variable %s", fieldPath)
		}
		if strings.Contains(pattern, "/") || strings.Contains(pattern, "**") {
			// multi-segment variables keep their slashes
			segs := strings.Split(s, "/")
			for i := range segs {
				segs[i] = url.PathEscape(segs[i])
			}
			sb.WriteString(strings.Join(segs, "/"))
		} else {
			sb.WriteString(url.PathEscape(s))
		}
		used = append(used, fieldPath)
		tmpl = tmpl[end+1:]
	}
}

func fieldByName(md protoreflect.MessageDescriptor, name string) protoreflect.FieldDescriptor {
	fields := md.Fields()
	if fd := fields.ByName(protoreflect.Name(name)); fd != nil {
		return fd
	}
	return fields.ByJSONName(name)
}

// lookupField resolves a dotted field path against msg.
func lookupField(msg protoreflect.Message, fieldPath string) (protoreflect.Value, protoreflect.FieldDescriptor, error) {
	names := strings.Split(fieldPath, ".")
	for i, name := range names {
		fd := fieldByName(msg.Descriptor(), name)
		if fd == nil {
			return protoreflect.Value{}, nil, fmt.Errorf("%s has no field named %q", msg.Descriptor().FullName(), name)
		}
		if i == len(names)-1 {
			return msg.Get(fd), fd, nil
		}
		if fd.Kind() != protoreflect.MessageKind || fd.IsList() || fd.IsMap() {
			return protoreflect.Value{}, nil, fmt.Errorf("field %s in path %s is not a message", name, fieldPath)
		}
		msg = msg.Get(fd).Message()
	}
	return protoreflect.Value{}, nil, fmt.Errorf("empty field path")
}

// clearField clears the field at the given dotted path.
func clearField(msg protoreflect.Message, fieldPath string) {
	names := strings.Split(fieldPath, ".")
	for i, name := range names {
		fd := fieldByName(msg.Descriptor(), name)
		if fd == nil {
			return
		}
		if i == len(names)-1 {
			msg.Clear(fd)
			return
		}
		if !msg.Has(fd) {
			return
		}
		msg = msg.Mutable(fd).Message()
	}
}

func scalarString(fd protoreflect.FieldDescriptor, v protoreflect.Value, numericEnums bool) string {
	switch fd.Kind() {
	case protoreflect.EnumKind:
		num := v.Enum()
		if !numericEnums {
			if ev := fd.Enum().Values().ByNumber(num); ev != nil {
				return string(ev.Name())
			}
		}
		return strconv.Itoa(int(num))
	case protoreflect.BytesKind:
		return base64.URLEncoding.EncodeToString(v.Bytes())
	case protoreflect.StringKind:
		return v.String()
	case protoreflect.BoolKind:
		return strconv.FormatBool(v.Bool())
	case protoreflect.FloatKind, protoreflect.DoubleKind:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	}
	// the remaining kinds are all integers
	if fd.Kind() == protoreflect.Uint32Kind || fd.Kind() == protoreflect.Uint64Kind ||
		fd.Kind() == protoreflect.Fixed32Kind || fd.Kind() == protoreflect.Fixed64Kind {
		return strconv.FormatUint(v.Uint(), 10)
	}
	return strconv.FormatInt(v.Int(), 10)
}

// addQueryParams adds every populated scalar field of msg (recursing into
// message fields) to vals, named by their JSON names.
func addQueryParams(vals url.Values, prefix string, msg protoreflect.Message, numericEnums bool) {
	msg.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		name := prefix + fd.JSONName()
		switch {
		case fd.IsMap():
			// maps cannot be expressed as query parameters
		case fd.IsList():
			if fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind {
				break
			}
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				vals.Add(name, scalarString(fd, list.Get(i), numericEnums))
			}
		case fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind:
			addQueryParams(vals, name+".", v.Message(), numericEnums)
		default:
			vals.Add(name, scalarString(fd, v, numericEnums))
		}
		return true
	})
}
