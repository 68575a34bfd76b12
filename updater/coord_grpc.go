package updater

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

/*
	The client API carries Job and JobResult as google.protobuf.Struct in
	their JSON shape, so the service needs no generated code.
*/

const (
	coordServiceName     = "vertexcentric.Coord"
	coordStartJobMethod  = "/" + coordServiceName + "/StartJob"
	coordServiceMetadata = "vertexcentric/coord.proto"
)

// CoordServer is the server API for the vertexcentric.Coord service.
type CoordServer interface {
	StartJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var coordServiceDesc = grpc.ServiceDesc{
	ServiceName: coordServiceName,
	HandlerType: (*CoordServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartJob",
			Handler:    coordStartJobHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: coordServiceMetadata,
}

func RegisterCoordServer(s grpc.ServiceRegistrar, srv CoordServer) {
	s.RegisterService(&coordServiceDesc, srv)
}

func coordStartJobHandler(
	srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordServer).StartJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: coordStartJobMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordServer).StartJob(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// coordService adapts the coord to CoordServer.
type coordService struct {
	coord *Coord
}

// StartJob reports job failures in the result's error field, as the HTTP
// API does; only undecodable requests fail the call.
func (s *coordService) StartJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var job Job
	if err := fromStruct(req, &job); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode job: %v", err)
	}

	result, _ := s.coord.StartJob(ctx, job)
	reply, err := toStruct(result)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return reply, nil
}

func (c *Coord) newGRPCServer() *grpc.Server {
	s := grpc.NewServer()
	RegisterCoordServer(s, &coordService{coord: c})
	return s
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, err
	}
	return st, nil
}

func fromStruct(st *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(st)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
