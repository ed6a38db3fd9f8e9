package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// mockDDB is a minimal mock of the DDBAPI interface for unit testing.
type mockDDB struct {
	putItemFn       func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	getItemFn       func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	queryFn         func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	deleteItemFn    func(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	describeTableFn func(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	createTableFn   func(ctx context.Context, input *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

func (m *mockDDB) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFn != nil {
		return m.putItemFn(ctx, input, opts...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDB) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFn != nil {
		return m.getItemFn(ctx, input, opts...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDDB) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, input, opts...)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockDDB) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteItemFn != nil {
		return m.deleteItemFn(ctx, input, opts...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDDB) DescribeTable(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if m.describeTableFn != nil {
		return m.describeTableFn(ctx, input, opts...)
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (m *mockDDB) CreateTable(ctx context.Context, input *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	if m.createTableFn != nil {
		return m.createTableFn(ctx, input, opts...)
	}
	return &dynamodb.CreateTableOutput{}, nil
}

func newTestProvider(mock *mockDDB) *Provider {
	return &Provider{
		client:      mock,
		tableName:   "test-table",
		logger:      slog.Default(),
		runLogLimit: 3,
	}
}

func conditionalFailed() error {
	return &ddbtypes.ConditionalCheckFailedException{}
}

func storedWatermark(t *testing.T, ts time.Time, recordID string) map[string]ddbtypes.AttributeValue {
	t.Helper()
	av, err := attributevalue.MarshalMap(watermarkItem{
		PK:             watermarkPK(types.SourceFitbit, types.MetricWeight),
		SK:             skState,
		Source:         string(types.SourceFitbit),
		MetricType:     string(types.MetricWeight),
		LastMigratedAt: ts.UnixMilli(),
		LastRecordID:   recordID,
		UpdatedAt:      ts.UnixMilli(),
	})
	if err != nil {
		t.Fatalf("marshal watermark item: %v", err)
	}
	return av
}

func TestAdvance_ConditionalPut(t *testing.T) {
	var captured *dynamodb.PutItemInput
	mock := &mockDDB{
		putItemFn: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			captured = input
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	ts := time.Date(2024, 1, 3, 7, 30, 0, 0, time.UTC)
	if err := p.Advance(context.Background(), types.SourceFitbit, types.MetricWeight, ts, "log-1"); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if captured == nil {
		t.Fatal("PutItem was not called")
	}
	if *captured.TableName != "test-table" {
		t.Errorf("table = %q, want %q", *captured.TableName, "test-table")
	}

	pk := captured.Item["PK"].(*ddbtypes.AttributeValueMemberS).Value
	sk := captured.Item["SK"].(*ddbtypes.AttributeValueMemberS).Value
	if pk != "WATERMARK#FITBIT#WEIGHT" {
		t.Errorf("PK = %q, want %q", pk, "WATERMARK#FITBIT#WEIGHT")
	}
	if sk != "STATE" {
		t.Errorf("SK = %q, want %q", sk, "STATE")
	}

	if !strings.Contains(*captured.ConditionExpression, "lastMigratedAt < :ts") {
		t.Errorf("condition = %q, missing monotonic guard", *captured.ConditionExpression)
	}

	migrated := captured.Item["lastMigratedAt"].(*ddbtypes.AttributeValueMemberN).Value
	if migrated != strconv.FormatInt(ts.UnixMilli(), 10) {
		t.Errorf("lastMigratedAt = %s, want %d", migrated, ts.UnixMilli())
	}
	rid := captured.ExpressionAttributeValues[":rid"].(*ddbtypes.AttributeValueMemberS).Value
	if rid != "log-1" {
		t.Errorf(":rid = %q, want %q", rid, "log-1")
	}
}

func TestAdvance_EqualTimestampSameIDIsNoOp(t *testing.T) {
	ts := time.Date(2024, 1, 3, 7, 30, 0, 0, time.UTC)
	mock := &mockDDB{
		putItemFn: func(_ context.Context, _ *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, conditionalFailed()
		},
		getItemFn: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: storedWatermark(t, ts, "log-1")}, nil
		},
	}
	p := newTestProvider(mock)

	if err := p.Advance(context.Background(), types.SourceFitbit, types.MetricWeight, ts, "log-1"); err != nil {
		t.Fatalf("Advance no-op: %v", err)
	}
}

func TestAdvance_RegressionRejected(t *testing.T) {
	stored := time.Date(2024, 1, 3, 7, 30, 0, 0, time.UTC)
	mock := &mockDDB{
		putItemFn: func(_ context.Context, _ *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, conditionalFailed()
		},
		getItemFn: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: storedWatermark(t, stored, "log-9")}, nil
		},
	}
	p := newTestProvider(mock)

	err := p.Advance(context.Background(), types.SourceFitbit, types.MetricWeight, stored.Add(-time.Hour), "log-1")
	if !errors.Is(err, store.ErrWatermarkRegression) {
		t.Fatalf("err = %v, want watermark regression", err)
	}
}

func TestWatermark_DefaultWhenMissing(t *testing.T) {
	mock := &mockDDB{
		getItemFn: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: nil}, nil
		},
	}
	p := newTestProvider(mock)

	wm, err := p.Watermark(context.Background(), types.SourceOmron, types.MetricSystolic)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !wm.LastMigratedAt.Equal(time.Unix(0, 0)) {
		t.Errorf("LastMigratedAt = %v, want epoch zero", wm.LastMigratedAt)
	}
	if wm.LastRecordID != "" {
		t.Errorf("LastRecordID = %q, want empty", wm.LastRecordID)
	}
}

func TestWatermark_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 3, 7, 30, 0, 0, time.UTC)
	var captured *dynamodb.GetItemInput
	mock := &mockDDB{
		getItemFn: func(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			captured = input
			return &dynamodb.GetItemOutput{Item: storedWatermark(t, ts, "log-42")}, nil
		},
	}
	p := newTestProvider(mock)

	wm, err := p.Watermark(context.Background(), types.SourceFitbit, types.MetricWeight)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !wm.LastMigratedAt.Equal(ts) {
		t.Errorf("LastMigratedAt = %v, want %v", wm.LastMigratedAt, ts)
	}
	if wm.LastRecordID != "log-42" {
		t.Errorf("LastRecordID = %q, want %q", wm.LastRecordID, "log-42")
	}
	if captured.ConsistentRead == nil || !*captured.ConsistentRead {
		t.Error("watermark read must be consistent")
	}
}

func TestAcquireRunLock_Success(t *testing.T) {
	var captured *dynamodb.PutItemInput
	mock := &mockDDB{
		putItemFn: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			captured = input
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	if err := p.AcquireRunLock(context.Background(), "run-a", time.Minute); err != nil {
		t.Fatalf("AcquireRunLock: %v", err)
	}
	if !strings.Contains(*captured.ConditionExpression, "attribute_not_exists(PK)") {
		t.Errorf("condition = %q, missing existence guard", *captured.ConditionExpression)
	}
	if !strings.Contains(*captured.ConditionExpression, "expiresAt < :now") {
		t.Errorf("condition = %q, missing expiry guard", *captured.ConditionExpression)
	}
}

func TestAcquireRunLock_HeldByLiveRun(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	mock := &mockDDB{
		putItemFn: func(_ context.Context, _ *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, conditionalFailed()
		},
		getItemFn: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: map[string]ddbtypes.AttributeValue{
				"PK":        &ddbtypes.AttributeValueMemberS{Value: pkRunLock},
				"SK":        &ddbtypes.AttributeValueMemberS{Value: skLock},
				"runId":     &ddbtypes.AttributeValueMemberS{Value: "run-a"},
				"expiresAt": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expires.UnixMilli(), 10)},
			}}, nil
		},
	}
	p := newTestProvider(mock)

	err := p.AcquireRunLock(context.Background(), "run-b", time.Minute)
	if !errors.Is(err, store.ErrRunLockHeld) {
		t.Fatalf("err = %v, want run lock held", err)
	}
	var held *store.LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("err = %v, want LockHeldError", err)
	}
	if held.HolderRunID != "run-a" {
		t.Errorf("holder = %q, want %q", held.HolderRunID, "run-a")
	}
}

func TestReleaseRunLock_NotHolderIsSwallowed(t *testing.T) {
	mock := &mockDDB{
		deleteItemFn: func(_ context.Context, _ *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
			return nil, conditionalFailed()
		},
	}
	p := newTestProvider(mock)

	if err := p.ReleaseRunLock(context.Background(), "run-b"); err != nil {
		t.Fatalf("ReleaseRunLock: %v", err)
	}
}

func TestAppendRunLog_PrunesBeyondLimit(t *testing.T) {
	started := time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC)
	existing := []map[string]ddbtypes.AttributeValue{
		{"PK": &ddbtypes.AttributeValueMemberS{Value: pkRunLog}, "SK": &ddbtypes.AttributeValueMemberS{Value: runSK(started.Add(3*time.Hour), "run-4")}},
		{"PK": &ddbtypes.AttributeValueMemberS{Value: pkRunLog}, "SK": &ddbtypes.AttributeValueMemberS{Value: runSK(started.Add(2*time.Hour), "run-3")}},
		{"PK": &ddbtypes.AttributeValueMemberS{Value: pkRunLog}, "SK": &ddbtypes.AttributeValueMemberS{Value: runSK(started.Add(time.Hour), "run-2")}},
		{"PK": &ddbtypes.AttributeValueMemberS{Value: pkRunLog}, "SK": &ddbtypes.AttributeValueMemberS{Value: runSK(started, "run-1")}},
	}

	var put *dynamodb.PutItemInput
	var deleted []string
	mock := &mockDDB{
		putItemFn: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			put = input
			return &dynamodb.PutItemOutput{}, nil
		},
		queryFn: func(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: existing}, nil
		},
		deleteItemFn: func(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
			deleted = append(deleted, input.Key["SK"].(*ddbtypes.AttributeValueMemberS).Value)
			return &dynamodb.DeleteItemOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	result := types.RunResult{RunID: "run-4", StartedAt: started.Add(3 * time.Hour), Status: types.RunSucceeded}
	if err := p.AppendRunLog(context.Background(), result); err != nil {
		t.Fatalf("AppendRunLog: %v", err)
	}

	sk := put.Item["SK"].(*ddbtypes.AttributeValueMemberS).Value
	if !strings.HasPrefix(sk, "RUN#") || !strings.HasSuffix(sk, "#run-4") {
		t.Errorf("SK = %q, want RUN#<millis>#run-4", sk)
	}

	if len(deleted) != 1 {
		t.Fatalf("deleted = %v, want exactly the oldest row", deleted)
	}
	if !strings.HasSuffix(deleted[0], "#run-1") {
		t.Errorf("deleted = %q, want the run-1 row", deleted[0])
	}
}

func TestRecentRuns_SkipsCorruptRows(t *testing.T) {
	good, _ := json.Marshal(types.RunResult{RunID: "run-2", Status: types.RunSucceeded})
	mock := &mockDDB{
		queryFn: func(_ context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			if input.ScanIndexForward == nil || *input.ScanIndexForward {
				t.Error("run log query must scan newest first")
			}
			return &dynamodb.QueryOutput{Items: []map[string]ddbtypes.AttributeValue{
				{"data": &ddbtypes.AttributeValueMemberS{Value: string(good)}},
				{"data": &ddbtypes.AttributeValueMemberS{Value: "not-json{{{"}},
			}}, nil
		},
	}
	p := newTestProvider(mock)

	runs, err := p.RecentRuns(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	if runs[0].RunID != "run-2" {
		t.Errorf("RunID = %q, want %q", runs[0].RunID, "run-2")
	}
}
