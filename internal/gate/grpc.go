package gate

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/flaggate/internal/core"
)

// CallContext builds an evaluation context for a gRPC call.
type CallContext func(ctx context.Context, fullMethod string) core.EvaluationContext

// MetadataContext reads userId from x-user-id and groups from the
// comma-separated x-user-groups metadata.
func MetadataContext(ctx context.Context, _ string) core.EvaluationContext {
	md, _ := metadata.FromIncomingContext(ctx)
	return contextFromValues(
		strings.Join(md.Get(strings.ToLower(HeaderUserID)), ","),
		strings.Join(md.Get(strings.ToLower(HeaderGroups)), ","),
	)
}

// UnaryServerInterceptor gates the unary methods listed in methodFlags (full
// method name to flag name). Unlisted methods pass through. Denied calls fail
// with PermissionDenied carrying the response message; a failing denied
// handler yields Internal.
func UnaryServerInterceptor(evaluator Evaluator, methodFlags map[string]string, contextFunc CallContext, denied DeniedHandler[Response], opts ...Option) grpc.UnaryServerInterceptor {
	if contextFunc == nil {
		contextFunc = MetadataContext
	}
	if denied == nil {
		denied = DefaultDeniedHandler
	}
	g := New(evaluator, denied, opts...)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		flag, ok := methodFlags[info.FullMethod]
		if !ok {
			return handler(ctx, req)
		}

		served := false
		var out any
		var handlerErr error
		resp, err := g.Guard(ctx, flag, contextFunc(ctx, info.FullMethod), func(ctx context.Context) (Response, error) {
			served = true
			out, handlerErr = handler(ctx, req)
			return Response{}, nil
		})
		if served {
			return out, handlerErr
		}
		if err != nil {
			return nil, status.Error(codes.Internal, "internal error")
		}

		message := resp.Message
		if message == "" {
			message = DefaultDeniedMessage
		}
		return nil, status.Error(codes.PermissionDenied, message)
	}
}
