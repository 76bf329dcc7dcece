package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
)

const paymentCodeServiceName = "paycode.v1.PaymentCodeService"

// PaymentCodeServer is the gRPC surface. Requests and responses are
// google.protobuf.Struct so clients need no generated stubs.
type PaymentCodeServer interface {
	CreateCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Redeem(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterPaymentCodeServer(s grpc.ServiceRegistrar, srv PaymentCodeServer) {
	s.RegisterService(&PaymentCodeServiceDesc, srv)
}

func paymentCodeHandler(method string, call func(PaymentCodeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PaymentCodeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + paymentCodeServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PaymentCodeServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var PaymentCodeServiceDesc = grpc.ServiceDesc{
	ServiceName: paymentCodeServiceName,
	HandlerType: (*PaymentCodeServer)(nil),
	Methods: []grpc.MethodDesc{
		paymentCodeHandler("CreateCode", PaymentCodeServer.CreateCode),
		paymentCodeHandler("ValidateCode", PaymentCodeServer.ValidateCode),
		paymentCodeHandler("Redeem", PaymentCodeServer.Redeem),
		paymentCodeHandler("CancelCode", PaymentCodeServer.CancelCode),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "paycode/v1/paycode.proto",
}

// PaymentCodeGRPC adapts PaymentCodeService to PaymentCodeServer.
type PaymentCodeGRPC struct {
	Service *PaymentCodeService
}

var _ PaymentCodeServer = PaymentCodeGRPC{}

func grpcError(err error) error {
	_, msg := statusFor(err)
	return status.Error(grpcCodeFor(err), msg)
}

func stringField(in *structpb.Struct, name string) string {
	if v, ok := in.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

// decimalField accepts the amount either as a JSON string or a number.
func decimalField(in *structpb.Struct, name string) (decimal.Decimal, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return decimal.Zero, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		d, err := decimal.NewFromString(k.StringValue)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s is not a decimal", paycode.ErrInvalidAmount, name)
		}
		return d, nil
	case *structpb.Value_NumberValue:
		return decimal.NewFromFloat(k.NumberValue), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s must be a string or number", paycode.ErrInvalidAmount, name)
	}
}

// int64Field reports whether name was set. Struct numbers are doubles, so
// fractional or out of range values are rejected.
func int64Field(in *structpb.Struct, name string) (int64, bool, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return 0, false, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return 0, false, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > 1<<53 {
		return 0, false, fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return int64(n.NumberValue), true, nil
}

func codeStruct(pc paycode.PaymentCode, secondsRemaining int64, recv *paycode.Receiver) (*structpb.Struct, error) {
	m := map[string]any{
		"id":                  pc.ID.String(),
		"code":                pc.Code,
		"amount":              money(pc.Amount),
		"description":         pc.Description,
		"state":               string(pc.State),
		"receiver_account_id": pc.ReceiverAccountID,
		"expires_at":          pc.ExpiresAt.Format(time.RFC3339),
		"seconds_remaining":   secondsRemaining,
	}
	if pc.BusinessID != nil {
		m["business_id"] = *pc.BusinessID
	}
	if recv != nil {
		m["receiver"] = map[string]any{
			"account_id":    recv.AccountID,
			"display_name":  recv.DisplayName,
			"business_name": recv.BusinessName,
			"legal_name":    recv.LegalName,
		}
	}
	return structpb.NewStruct(m)
}

func (g PaymentCodeGRPC) CreateCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := resolveActor(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	amount, err := decimalField(in, "amount")
	if err != nil {
		return nil, grpcError(err)
	}
	ttl, _, err := int64Field(in, "ttl_seconds")
	if err != nil {
		return nil, grpcError(err)
	}
	if ttl < 0 {
		return nil, grpcError(fmt.Errorf("%w: ttl_seconds must not be negative", paycode.ErrInvalidTTL))
	}
	req := paycode.CreateRequest{
		IssuerAccountID: &actor.AccountID,
		Amount:          amount,
		Description:     stringField(in, "description"),
		TTL:             time.Duration(ttl) * time.Second,
	}
	if biz, ok, err := int64Field(in, "business_id"); err != nil {
		return nil, grpcError(err)
	} else if ok {
		req.BusinessID = &biz
	}
	pc, err := g.Service.Registry.Create(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	return codeStruct(pc, pc.SecondsRemaining(g.Service.now()), nil)
}

func (g PaymentCodeGRPC) ValidateCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := resolveActor(ctx); err != nil {
		return nil, grpcError(err)
	}
	view, err := g.Service.Registry.Validate(ctx, stringField(in, "code"))
	if err != nil {
		return nil, grpcError(err)
	}
	return codeStruct(view.Code, view.SecondsRemaining, &view.Receiver)
}

func (g PaymentCodeGRPC) Redeem(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := resolveActor(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	receipt, err := g.Service.Engine.Redeem(ctx, stringField(in, "code"), actor.AccountID, stringField(in, "pin"))
	if err != nil {
		return nil, grpcError(err)
	}
	trx := receipt.Transaction
	return structpb.NewStruct(map[string]any{
		"transaction_id":      trx.ID.String(),
		"reference":           trx.Reference,
		"amount":              money(trx.Amount),
		"description":         trx.Description,
		"receiver_account_id": trx.ReceiverAccountID,
		"receiver_name":       receipt.Receiver.DisplayName,
		"business_name":       receipt.Receiver.BusinessName,
		"payer_balance_after": money(receipt.PayerBalanceAfter),
		"created_at":          trx.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (g PaymentCodeGRPC) CancelCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := resolveActor(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	id, err := uuid.Parse(stringField(in, "code_id"))
	if err != nil {
		return nil, grpcError(fmt.Errorf("%w: code_id must be a uuid", errBadRequest))
	}
	pc, err := g.Service.Registry.Get(ctx, id)
	if errors.Is(err, paycode.ErrNotFound) {
		return nil, grpcError(paycode.ErrNotFoundOrInactive)
	}
	if err != nil {
		return nil, grpcError(err)
	}
	if !canManageCode(actor, pc) {
		return nil, grpcError(errForbidden)
	}
	cancelled, err := g.Service.Registry.Cancel(ctx, id)
	if err != nil {
		return nil, grpcError(err)
	}
	return codeStruct(cancelled, 0, nil)
}
