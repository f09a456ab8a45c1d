// Package grpcmw provides gRPC server interceptors applying the admission
// pipeline to unary and streaming RPCs.
//
// Separated from the middleware package so that importing the HTTP
// adapter does not pull in google.golang.org/grpc.
//
// Usage:
//
//	server := grpc.NewServer(
//	    grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(pipeline)),
//	    grpc.ChainStreamInterceptor(grpcmw.StreamServerInterceptor(pipeline)),
//	)
package grpcmw

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/krishna-kudari/admitgate"
)

// grpcRequest adapts an RPC's context and full method name to
// admitgate.Request. FullMethod (e.g. "/pkg.Service/Method") stands in for
// an HTTP path for URL pattern matching purposes.
type grpcRequest struct {
	ctx        context.Context
	fullMethod string
}

func (r grpcRequest) Path() string { return r.fullMethod }

func (r grpcRequest) Header(name string) string {
	md, ok := metadata.FromIncomingContext(r.ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(name); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (r grpcRequest) RemoteAddr() string {
	p, ok := peer.FromContext(r.ctx)
	if ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

func (r grpcRequest) Context() context.Context { return r.ctx }

// UnaryServerInterceptor runs every unary RPC through pipeline, setting
// response metadata on allow and returning codes.ResourceExhausted with
// retry metadata on deny.
func UnaryServerInterceptor(pipeline *admitgate.Pipeline) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		outcome, err := pipeline.Run(grpcRequest{ctx, info.FullMethod})
		if err != nil {
			return handler(ctx, req)
		}
		if outcome.Bypassed {
			return handler(ctx, req)
		}
		setMetadata(ctx, outcome)
		if !outcome.Decision.Allowed {
			return nil, deniedStatus(outcome)
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor runs every streaming RPC through pipeline,
// mirroring UnaryServerInterceptor's semantics.
func StreamServerInterceptor(pipeline *admitgate.Pipeline) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		outcome, err := pipeline.Run(grpcRequest{ctx, info.FullMethod})
		if err != nil {
			return handler(srv, ss)
		}
		if outcome.Bypassed {
			return handler(srv, ss)
		}
		setMetadata(ctx, outcome)
		if !outcome.Decision.Allowed {
			return deniedStatus(outcome)
		}
		return handler(srv, ss)
	}
}

func setMetadata(ctx context.Context, outcome admitgate.Outcome) {
	md := metadata.MD{}
	for k, v := range outcome.Headers {
		md.Append(k, v)
	}
	_ = grpc.SetHeader(ctx, md)
}

func deniedStatus(outcome admitgate.Outcome) error {
	return status.Errorf(codes.ResourceExhausted,
		"admission denied, retry after %ds", outcome.Decision.RetryAfterS)
}
