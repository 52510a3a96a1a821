package grpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Messages travel as JSON; peers select the codec with the "json" content
// subtype.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const (
	ledgerServiceName = "credits.v1.LedgerService"
	eventServiceName  = "credits.v1.EventService"
)

type UserRequest struct {
	UserID string `json:"user_id"`
}

type AddCreditsRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Credits int64  `json:"credits"`
}

type EventRequest struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

type EventResponse struct {
	Success bool `json:"success"`
}

// LedgerServer is the server API for credits.v1.LedgerService.
type LedgerServer interface {
	Initialize(context.Context, *UserRequest) (*BalanceResponse, error)
	GetBalance(context.Context, *UserRequest) (*BalanceResponse, error)
	Deduct(context.Context, *UserRequest) (*BalanceResponse, error)
	AddCredits(context.Context, *AddCreditsRequest) (*BalanceResponse, error)
}

// EventServer is the server API for credits.v1.EventService.
type EventServer interface {
	Publish(context.Context, *EventRequest) (*EventResponse, error)
}

func unaryMethod[S any, Req any, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ledgerServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(ledgerServiceName, "Initialize", LedgerServer.Initialize),
		unaryMethod(ledgerServiceName, "GetBalance", LedgerServer.GetBalance),
		unaryMethod(ledgerServiceName, "Deduct", LedgerServer.Deduct),
		unaryMethod(ledgerServiceName, "AddCredits", LedgerServer.AddCredits),
	},
}

var eventServiceDesc = grpc.ServiceDesc{
	ServiceName: eventServiceName,
	HandlerType: (*EventServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(eventServiceName, "Publish", EventServer.Publish),
	},
}

func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

func RegisterEventServer(s grpc.ServiceRegistrar, srv EventServer) {
	s.RegisterService(&eventServiceDesc, srv)
}

// LedgerClient calls credits.v1.LedgerService.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func (c *LedgerClient) invoke(ctx context.Context, method string, in interface{}) (*BalanceResponse, error) {
	out := new(BalanceResponse)
	err := c.cc.Invoke(ctx, "/"+ledgerServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) Initialize(ctx context.Context, userID string) (*BalanceResponse, error) {
	return c.invoke(ctx, "Initialize", &UserRequest{UserID: userID})
}

func (c *LedgerClient) GetBalance(ctx context.Context, userID string) (*BalanceResponse, error) {
	return c.invoke(ctx, "GetBalance", &UserRequest{UserID: userID})
}

func (c *LedgerClient) Deduct(ctx context.Context, userID string) (*BalanceResponse, error) {
	return c.invoke(ctx, "Deduct", &UserRequest{UserID: userID})
}

func (c *LedgerClient) AddCredits(ctx context.Context, userID string, amount int64) (*BalanceResponse, error) {
	return c.invoke(ctx, "AddCredits", &AddCreditsRequest{UserID: userID, Amount: amount})
}

// EventClient calls credits.v1.EventService.
type EventClient struct {
	cc grpc.ClientConnInterface
}

func NewEventClient(cc grpc.ClientConnInterface) *EventClient {
	return &EventClient{cc: cc}
}

func (c *EventClient) Publish(ctx context.Context, in *EventRequest) (*EventResponse, error) {
	out := new(EventResponse)
	err := c.cc.Invoke(ctx, "/"+eventServiceName+"/Publish", in, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}
