package grpcstore

import (
	"context"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/blockservice/cidutil"
	"xdao.co/blockservice/storage"
)

// Server exposes a storage.Blockstore over the Blockstore gRPC service.
//
// Every block crossing the wire is verified against its CID on the way in and
// on the way out.
type Server struct {
	UnimplementedBlockstoreServer
	Store storage.Blockstore
	// Local, when set, serves requests marked with RelayedMetadataKey instead
	// of Store. Nodes whose Store forwards to peers set it to their local
	// store so two such nodes never bounce a request between each other.
	Local  storage.Blockstore
	Logger *zap.Logger
}

func (s *Server) Put(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if s == nil || s.Store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing store")
	}
	data := in.GetValue()

	var id cid.Cid
	if v := metadata.ValueFromIncomingContext(ctx, CIDMetadataKey); len(v) > 0 {
		parsed, err := cid.Decode(v[0])
		if err != nil || !parsed.Defined() {
			return nil, status.Error(codes.InvalidArgument, storage.ErrInvalidCID.Error())
		}
		id = parsed
	} else {
		// No CID supplied: address the bytes as a raw block.
		computed, err := cidutil.CIDv1RawSHA256CID(data)
		if err != nil {
			return nil, status.Error(codes.Internal, "cid computation failed")
		}
		id = computed
	}

	b, err := cidutil.BlockFor(id, data)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := s.storeFor(ctx).Put(ctx, b); err != nil {
		s.logger().Warn("put failed", zap.Stringer("cid", id), zap.Error(err))
		return nil, mapErr(err)
	}
	return wrapperspb.String(id.String()), nil
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing store")
	}
	id, err := decodeCID(in.GetValue())
	if err != nil {
		return nil, err
	}
	b, err := s.storeFor(ctx).Get(ctx, id)
	if err != nil {
		if !storage.IsNotFound(err) {
			s.logger().Warn("get failed", zap.Stringer("cid", id), zap.Error(err))
		}
		return nil, mapErr(err)
	}
	if err := cidutil.Verify(b); err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bytes(b.RawData()), nil
}

func (s *Server) Has(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if s == nil || s.Store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing store")
	}
	id, err := decodeCID(in.GetValue())
	if err != nil {
		return nil, err
	}
	ok, err := s.storeFor(ctx).Has(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *Server) Delete(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if s == nil || s.Store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing store")
	}
	id, err := decodeCID(in.GetValue())
	if err != nil {
		return nil, err
	}
	if err := s.storeFor(ctx).Delete(ctx, id); err != nil {
		return nil, mapErr(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) storeFor(ctx context.Context) storage.Blockstore {
	if s.Local != nil && Relayed(ctx) {
		return s.Local
	}
	return s.Store
}

// Relayed reports whether an incoming request was marked by a peer's exchange.
func Relayed(ctx context.Context) bool {
	v := metadata.ValueFromIncomingContext(ctx, RelayedMetadataKey)
	return len(v) > 0 && v[0] == "1"
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func decodeCID(v string) (cid.Cid, error) {
	id, err := cid.Decode(v)
	if err != nil || !id.Defined() {
		return cid.Undef, status.Error(codes.InvalidArgument, storage.ErrInvalidCID.Error())
	}
	return id, nil
}
