package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "coinledger.v1.WalletService"

	methodGetBalance          = "GetBalance"
	methodGetAvailableBalance = "GetAvailableBalance"
	methodCreateTransaction   = "CreateTransaction"
	methodCreateHold          = "CreateHold"
	methodSettleHold          = "SettleHold"
	methodReleaseHold         = "ReleaseHold"
	methodListTransactions    = "ListTransactions"
	methodReconcileWallet     = "ReconcileWallet"
)

// WalletServiceServer is the server API of coinledger.v1.WalletService.
// Requests and responses travel as google.protobuf.Struct.
type WalletServiceServer interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetAvailableBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CreateTransaction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CreateHold(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	SettleHold(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ReleaseHold(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ReconcileWallet(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(server WalletServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		server := srv.(WalletServiceServer)
		if interceptor == nil {
			return call(server, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(server, ctx, request.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// WalletServiceDesc describes coinledger.v1.WalletService for grpc.Server.RegisterService.
var WalletServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WalletServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGetBalance, Handler: unaryHandler(methodGetBalance, WalletServiceServer.GetBalance)},
		{MethodName: methodGetAvailableBalance, Handler: unaryHandler(methodGetAvailableBalance, WalletServiceServer.GetAvailableBalance)},
		{MethodName: methodCreateTransaction, Handler: unaryHandler(methodCreateTransaction, WalletServiceServer.CreateTransaction)},
		{MethodName: methodCreateHold, Handler: unaryHandler(methodCreateHold, WalletServiceServer.CreateHold)},
		{MethodName: methodSettleHold, Handler: unaryHandler(methodSettleHold, WalletServiceServer.SettleHold)},
		{MethodName: methodReleaseHold, Handler: unaryHandler(methodReleaseHold, WalletServiceServer.ReleaseHold)},
		{MethodName: methodListTransactions, Handler: unaryHandler(methodListTransactions, WalletServiceServer.ListTransactions)},
		{MethodName: methodReconcileWallet, Handler: unaryHandler(methodReconcileWallet, WalletServiceServer.ReconcileWallet)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coinledger/v1/wallet.proto",
}

// RegisterWalletServiceServer attaches server to registrar.
func RegisterWalletServiceServer(registrar grpc.ServiceRegistrar, server WalletServiceServer) {
	registrar.RegisterService(&WalletServiceDesc, server)
}

// WalletServiceClient calls coinledger.v1.WalletService.
type WalletServiceClient struct {
	conn grpc.ClientConnInterface
}

func NewWalletServiceClient(conn grpc.ClientConnInterface) *WalletServiceClient {
	return &WalletServiceClient{conn: conn}
}

func (client *WalletServiceClient) invoke(ctx context.Context, method string, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, fullMethod(method), request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *WalletServiceClient) GetBalance(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetBalance, request, options...)
}

func (client *WalletServiceClient) GetAvailableBalance(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetAvailableBalance, request, options...)
}

func (client *WalletServiceClient) CreateTransaction(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodCreateTransaction, request, options...)
}

func (client *WalletServiceClient) CreateHold(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodCreateHold, request, options...)
}

func (client *WalletServiceClient) SettleHold(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodSettleHold, request, options...)
}

func (client *WalletServiceClient) ReleaseHold(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodReleaseHold, request, options...)
}

func (client *WalletServiceClient) ListTransactions(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodListTransactions, request, options...)
}

func (client *WalletServiceClient) ReconcileWallet(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodReconcileWallet, request, options...)
}
