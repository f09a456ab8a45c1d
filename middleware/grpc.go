// This file is kept for backward-compatibility documentation.
// The concrete gRPC interceptors live in the grpcmw sub-package to avoid
// adding google.golang.org/grpc as a mandatory dependency of this package.
//
// Import:
//
//	import "github.com/krishna-kudari/admitgate/middleware/grpcmw"
//
// Usage:
//
//	server := grpc.NewServer(
//	    grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(pipeline)),
//	    grpc.ChainStreamInterceptor(grpcmw.StreamServerInterceptor(pipeline)),
//	)
//
// See package github.com/krishna-kudari/admitgate/middleware/grpcmw for full API.
package middleware
