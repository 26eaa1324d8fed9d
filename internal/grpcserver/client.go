package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// AdminClient calls the admin service over a JSON-codec connection.
type AdminClient struct {
	conn  grpc.ClientConnInterface
	token string
}

// NewAdminClient wraps conn; token is sent as a bearer credential on every call.
func NewAdminClient(conn grpc.ClientConnInterface, token string) *AdminClient {
	return &AdminClient{conn: conn, token: token}
}

func (client *AdminClient) GetBalance(ctx context.Context, request *MemberRequest) (*BalanceResponse, error) {
	response := new(BalanceResponse)
	if err := client.invoke(ctx, MethodGetBalance, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *AdminClient) ListTransactions(ctx context.Context, request *ListTransactionsRequest) (*ListTransactionsResponse, error) {
	response := new(ListTransactionsResponse)
	if err := client.invoke(ctx, MethodListTransactions, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *AdminClient) AuditLedger(ctx context.Context, request *MemberRequest) (*AuditResponse, error) {
	response := new(AuditResponse)
	if err := client.invoke(ctx, MethodAuditLedger, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *AdminClient) Quote(ctx context.Context, request *QuoteRequest) (*QuoteResponse, error) {
	response := new(QuoteResponse)
	if err := client.invoke(ctx, MethodQuote, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *AdminClient) CheckEligibility(ctx context.Context, request *MemberRequest) (*EligibilityResponse, error) {
	response := new(EligibilityResponse)
	if err := client.invoke(ctx, MethodCheckEligibility, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *AdminClient) GetReservation(ctx context.Context, request *ReservationRequest) (*ReservationResponse, error) {
	response := new(ReservationResponse)
	if err := client.invoke(ctx, MethodGetReservation, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *AdminClient) invoke(ctx context.Context, method string, request any, response any) error {
	if client.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authorizationHeader, "Bearer "+client.token)
	}
	return client.conn.Invoke(ctx, method, request, response, grpc.CallContentSubtype(CodecName))
}
