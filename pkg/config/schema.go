package config

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/durationpb"
)

type fieldKind int

const (
	stringField fieldKind = iota
	int64Field
	boolField
	durationField // google.protobuf.Duration
)

// configField is a leaf of the config file. Its name is the name of the flag it sets.
type configField struct {
	name string
	kind fieldKind
}

// configSection groups related fields under a nested message of Config.
type configSection struct {
	name    string
	message string
	fields  []configField
}

// configSections is the schema of the config file. Every flag of kvcached must have a field here, except the ones
// listed in skippedProtobufFlags. Field numbers follow the declaration order, so only append.
var configSections = []configSection{
	{name: "logging", message: "LoggingConfig", fields: []configField{
		{"log_handler_type", stringField},
		{"log_level", stringField},
	}},
	{name: "server", message: "ServerConfig", fields: []configField{
		{"address", stringField},
		{"admin_address", stringField},
		{"shutdown_timeout", durationField},
	}},
	{name: "cache", message: "CacheConfig", fields: []configField{
		{"backend", stringField},
	}},
	{name: "memory", message: "MemoryConfig", fields: []configField{
		{"memory_capacity", int64Field},
		{"memory_shard_count", int64Field},
		{"sweep_interval", durationField},
	}},
	{name: "disk", message: "DiskConfig", fields: []configField{
		{"disk_path", stringField},
		{"disk_bucket", stringField},
	}},
	{name: "remote", message: "RemoteConfig", fields: []configField{
		{"redis_address", stringField},
		{"redis_dial_timeout", durationField},
		{"redis_server_expiry", boolField},
	}},
	{name: "tinylfu", message: "TinyLFUConfig", fields: []configField{
		{"tinylfu_max_cost", int64Field},
		{"tinylfu_num_counters", int64Field},
	}},
}

const configPackage = "kvcache.config"

func (f configField) descriptorProto(number int32) *descriptorpb.FieldDescriptorProto {
	field := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(f.name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
	}
	switch f.kind {
	case stringField:
		field.Type = descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum()
	case int64Field:
		field.Type = descriptorpb.FieldDescriptorProto_TYPE_INT64.Enum()
	case boolField:
		field.Type = descriptorpb.FieldDescriptorProto_TYPE_BOOL.Enum()
	case durationField:
		field.Type = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
		field.TypeName = proto.String(".google.protobuf.Duration")
	}
	return field
}

// buildConfigDescriptor compiles `sections` into the descriptor of the Config message.
// The file uses proto2 so that scalar fields set to their zero value still count as present.
func buildConfigDescriptor(sections []configSection) (protoreflect.MessageDescriptor, error) {
	file := &descriptorpb.FileDescriptorProto{
		Name:       proto.String("kvcache/config.proto"),
		Package:    proto.String(configPackage),
		Syntax:     proto.String("proto2"),
		Dependency: []string{durationpb.File_google_protobuf_duration_proto.Path()},
	}
	root := &descriptorpb.DescriptorProto{Name: proto.String("Config")}
	for sectionIdx, section := range sections {
		message := &descriptorpb.DescriptorProto{Name: proto.String(section.message)}
		for fieldIdx, field := range section.fields {
			message.Field = append(message.Field, field.descriptorProto(int32(fieldIdx+1)))
		}
		file.MessageType = append(file.MessageType, message)
		root.Field = append(root.Field, &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(section.name),
			Number:   proto.Int32(int32(sectionIdx + 1)),
			Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
			TypeName: proto.String("." + configPackage + "." + section.message),
		})
	}
	file.MessageType = append(file.MessageType, root)

	fd, err := protodesc.NewFile(file, protoregistry.GlobalFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to build config descriptor: %w", err)
	}
	return fd.Messages().ByName("Config"), nil
}

// configDescriptor is the schema of the file given to --config_file.
var configDescriptor = func() protoreflect.MessageDescriptor {
	md, err := buildConfigDescriptor(configSections)
	if err != nil {
		panic(err) // The schema is static; failing here is a programming error.
	}
	return md
}()
