package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "rentalrewards.admin.v1.AdminService"

	MethodGetBalance       = "/" + ServiceName + "/GetBalance"
	MethodListTransactions = "/" + ServiceName + "/ListTransactions"
	MethodAuditLedger      = "/" + ServiceName + "/AuditLedger"
	MethodQuote            = "/" + ServiceName + "/Quote"
	MethodCheckEligibility = "/" + ServiceName + "/CheckEligibility"
	MethodGetReservation   = "/" + ServiceName + "/GetReservation"
)

// AdminServiceServer is the server API for the admin service.
type AdminServiceServer interface {
	GetBalance(context.Context, *MemberRequest) (*BalanceResponse, error)
	ListTransactions(context.Context, *ListTransactionsRequest) (*ListTransactionsResponse, error)
	AuditLedger(context.Context, *MemberRequest) (*AuditResponse, error)
	Quote(context.Context, *QuoteRequest) (*QuoteResponse, error)
	CheckEligibility(context.Context, *MemberRequest) (*EligibilityResponse, error)
	GetReservation(context.Context, *ReservationRequest) (*ReservationResponse, error)
}

// RegisterAdminServiceServer registers the admin service on a gRPC server.
func RegisterAdminServiceServer(registrar grpc.ServiceRegistrar, server AdminServiceServer) {
	registrar.RegisterService(&AdminServiceDesc, server)
}

// AdminServiceDesc describes the admin service for grpc.Server.RegisterService.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: unaryHandler(MethodGetBalance, AdminServiceServer.GetBalance)},
		{MethodName: "ListTransactions", Handler: unaryHandler(MethodListTransactions, AdminServiceServer.ListTransactions)},
		{MethodName: "AuditLedger", Handler: unaryHandler(MethodAuditLedger, AdminServiceServer.AuditLedger)},
		{MethodName: "Quote", Handler: unaryHandler(MethodQuote, AdminServiceServer.Quote)},
		{MethodName: "CheckEligibility", Handler: unaryHandler(MethodCheckEligibility, AdminServiceServer.CheckEligibility)},
		{MethodName: "GetReservation", Handler: unaryHandler(MethodGetReservation, AdminServiceServer.GetReservation)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rentalrewards/admin/v1/admin.json",
}

func unaryHandler[Request any, Response any](fullMethod string, call func(AdminServiceServer, context.Context, *Request) (*Response, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(server.(AdminServiceServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(server.(AdminServiceServer), ctx, req.(*Request))
		}
		return interceptor(ctx, request, info, handler)
	}
}
