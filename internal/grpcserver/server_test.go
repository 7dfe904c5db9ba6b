package grpcserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const bufconnSize = 1 << 20

func startWalletClient(t *testing.T) *WalletServiceClient {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	store := gormstore.New(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	service, err := ledger.NewService(store, func() time.Time { return time.Now().UTC() })
	if err != nil {
		t.Fatalf("ledger service init failed: %v", err)
	}

	listener := bufconn.Listen(bufconnSize)
	grpcServer := grpc.NewServer()
	RegisterWalletServiceServer(grpcServer, NewWalletServer(service))
	go func() {
		if serveErr := grpcServer.Serve(listener); serveErr != nil {
			t.Logf("gRPC server error: %v", serveErr)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("gRPC client init failed: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		grpcServer.Stop()
		_ = sqlDB.Close()
	})
	return NewWalletServiceClient(conn)
}

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	request, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return request
}

func numberField(response *structpb.Struct, name string) int64 {
	return int64(response.GetFields()[name].GetNumberValue())
}

func requireCode(t *testing.T, err error, code codes.Code, message string) {
	t.Helper()
	if status.Code(err) != code {
		t.Fatalf("expected %s, got %v", code, err)
	}
	if message != "" && status.Convert(err).Message() != message {
		t.Fatalf("expected message %q, got %q", message, status.Convert(err).Message())
	}
}

func TestWalletServiceHoldLifecycle(t *testing.T) {
	client := startWalletClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	purchase, err := client.CreateTransaction(ctx, mustStruct(t, map[string]any{
		"user_id":         "viewer",
		"amount":          100,
		"type":            "purchase",
		"idempotency_key": "order-1",
		"metadata_json":   `{"order":"1"}`,
	}))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	replayed, err := client.CreateTransaction(ctx, mustStruct(t, map[string]any{
		"user_id":         "viewer",
		"amount":          100,
		"type":            "purchase",
		"idempotency_key": "order-1",
	}))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.GetFields()["transaction_id"].GetStringValue() != purchase.GetFields()["transaction_id"].GetStringValue() {
		t.Fatalf("expected the replay to return the original transaction")
	}

	hold, err := client.CreateHold(ctx, mustStruct(t, map[string]any{"user_id": "viewer", "amount": 60, "purpose": "call_hold", "related_id": "call-1"}))
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	_, err = client.CreateHold(ctx, mustStruct(t, map[string]any{"user_id": "viewer", "amount": 50, "purpose": "call_hold"}))
	requireCode(t, err, codes.FailedPrecondition, errorInsufficientBalanceForHold)

	available, err := client.GetAvailableBalance(ctx, mustStruct(t, map[string]any{"user_id": "viewer"}))
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if numberField(available, fieldAvailable) != 40 {
		t.Fatalf("expected 40 available, got %d", numberField(available, fieldAvailable))
	}

	holdID := hold.GetFields()["hold_id"].GetStringValue()
	settled, err := client.SettleHold(ctx, mustStruct(t, map[string]any{"hold_id": holdID, "amount": 45}))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if numberField(settled, fieldAmount) != -45 || settled.GetFields()["type"].GetStringValue() != "call_charge" {
		t.Fatalf("unexpected settlement %v", settled.AsMap())
	}
	_, err = client.ReleaseHold(ctx, mustStruct(t, map[string]any{"hold_id": holdID}))
	requireCode(t, err, codes.FailedPrecondition, errorHoldNotActive)

	balance, err := client.GetBalance(ctx, mustStruct(t, map[string]any{"user_id": "viewer"}))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if numberField(balance, fieldBalance) != 55 || numberField(balance, fieldHeldBalance) != 0 {
		t.Fatalf("unexpected balance %v", balance.AsMap())
	}

	listed, err := client.ListTransactions(ctx, mustStruct(t, map[string]any{"user_id": "viewer"}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if count := len(listed.GetFields()[fieldTransactions].GetListValue().GetValues()); count != 2 {
		t.Fatalf("expected 2 transactions, got %d", count)
	}

	report, err := client.ReconcileWallet(ctx, mustStruct(t, map[string]any{"user_id": "viewer"}))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.GetFields()[fieldStatus].GetStringValue() != string(ledger.ReconcileStatusOK) {
		t.Fatalf("unexpected report %v", report.AsMap())
	}
}

func TestWalletServiceReleaseReturnsHold(t *testing.T) {
	client := startWalletClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := client.CreateTransaction(ctx, mustStruct(t, map[string]any{"user_id": "tipper", "amount": 30, "type": "purchase"})); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	hold, err := client.CreateHold(ctx, mustStruct(t, map[string]any{"user_id": "tipper", "amount": 30, "purpose": "stream_tip_hold"}))
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	released, err := client.ReleaseHold(ctx, mustStruct(t, map[string]any{"hold_id": hold.GetFields()["hold_id"].GetStringValue()}))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.GetFields()[fieldStatus].GetStringValue() != string(ledger.HoldStatusReleased) {
		t.Fatalf("unexpected hold %v", released.AsMap())
	}
	if _, ok := released.GetFields()[fieldReleasedAt]; !ok {
		t.Fatalf("expected released_at to be set")
	}
}

func TestWalletServiceRejectsInvalidInput(t *testing.T) {
	client := startWalletClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	testCases := []struct {
		name    string
		call    func() error
		code    codes.Code
		message string
	}{
		{
			name: "missing user",
			call: func() error {
				_, err := client.GetBalance(ctx, mustStruct(t, map[string]any{}))
				return err
			},
			code:    codes.InvalidArgument,
			message: errorInvalidUserID,
		},
		{
			name: "fractional amount",
			call: func() error {
				_, err := client.CreateTransaction(ctx, mustStruct(t, map[string]any{"user_id": "u", "amount": 1.5, "type": "purchase"}))
				return err
			},
			code:    codes.InvalidArgument,
			message: errorInvalidAmount,
		},
		{
			name: "unknown type",
			call: func() error {
				_, err := client.CreateTransaction(ctx, mustStruct(t, map[string]any{"user_id": "u", "amount": 5, "type": "bonus"}))
				return err
			},
			code:    codes.InvalidArgument,
			message: errorInvalidTransactionType,
		},
		{
			name: "debit without funds",
			call: func() error {
				_, err := client.CreateTransaction(ctx, mustStruct(t, map[string]any{"user_id": "u", "amount": -5, "type": "gift"}))
				return err
			},
			code:    codes.FailedPrecondition,
			message: errorInsufficientBalance,
		},
		{
			name: "unknown hold",
			call: func() error {
				_, err := client.SettleHold(ctx, mustStruct(t, map[string]any{"hold_id": "missing"}))
				return err
			},
			code:    codes.NotFound,
			message: errorHoldNotFound,
		},
		{
			name: "limit too large",
			call: func() error {
				_, err := client.ListTransactions(ctx, mustStruct(t, map[string]any{"user_id": "u", "limit": 500}))
				return err
			},
			code:    codes.InvalidArgument,
			message: errorInvalidListLimit,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			requireCode(t, testCase.call(), testCase.code, testCase.message)
		})
	}
}

func TestUnaryHandlerHonoursInterceptor(t *testing.T) {
	t.Parallel()
	var intercepted string
	interceptor := func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		intercepted = info.FullMethod
		return handler(ctx, request)
	}
	handler := unaryHandler(methodGetBalance, func(server WalletServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
		return request, nil
	})
	decode := func(target any) error {
		target.(*structpb.Struct).Fields = map[string]*structpb.Value{"user_id": structpb.NewStringValue("u")}
		return nil
	}
	response, err := handler(&WalletServer{}, context.Background(), decode, interceptor)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if intercepted != "/coinledger.v1.WalletService/GetBalance" {
		t.Fatalf("unexpected method %q", intercepted)
	}
	if response.(*structpb.Struct).GetFields()["user_id"].GetStringValue() != "u" {
		t.Fatalf("unexpected response %v", response)
	}
}

func TestIntegerField(t *testing.T) {
	t.Parallel()
	request := &structpb.Struct{Fields: map[string]*structpb.Value{
		"whole":    structpb.NewNumberValue(42),
		"fraction": structpb.NewNumberValue(4.2),
		"null":     structpb.NewNullValue(),
		"text":     structpb.NewStringValue("42"),
		"huge":     structpb.NewNumberValue(1e18),
	}}
	if value, present, err := integerField(request, "whole"); err != nil || !present || value != 42 {
		t.Fatalf("whole: %d %v %v", value, present, err)
	}
	if _, present, err := integerField(request, "missing"); err != nil || present {
		t.Fatalf("missing must be absent")
	}
	if _, present, err := integerField(request, "null"); err != nil || present {
		t.Fatalf("null must be absent")
	}
	for _, name := range []string{"fraction", "text", "huge"} {
		if _, _, err := integerField(request, name); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoggingInterceptorRecordsStatus(t *testing.T) {
	t.Parallel()
	core, recorded := observer.New(zap.InfoLevel)
	interceptor := LoggingInterceptor(zap.New(core))
	info := &grpc.UnaryServerInfo{FullMethod: fullMethod(methodCreateHold)}

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, request any) (any, error) {
		return nil, status.Error(codes.FailedPrecondition, errorInsufficientBalanceForHold)
	})
	requireCode(t, err, codes.FailedPrecondition, errorInsufficientBalanceForHold)
	_, err = interceptor(context.Background(), nil, info, func(ctx context.Context, request any) (any, error) {
		return nil, status.Error(codes.Internal, "boom")
	})
	requireCode(t, err, codes.Internal, "boom")

	entries := recorded.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zap.InfoLevel || entries[0].ContextMap()["code"] != "FailedPrecondition" {
		t.Fatalf("unexpected first entry %+v", entries[0].ContextMap())
	}
	if entries[1].Level != zap.ErrorLevel || entries[1].ContextMap()["method"] != "/coinledger.v1.WalletService/CreateHold" {
		t.Fatalf("unexpected second entry %+v", entries[1].ContextMap())
	}
}
