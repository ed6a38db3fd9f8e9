package dynamodb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
)

// AcquireRunLock takes the run lock with a conditional put that succeeds
// only when no lock exists or the existing one has expired.
func (p *Provider) AcquireRunLock(ctx context.Context, runID string, ttl time.Duration) error {
	now := time.Now()

	_, err := p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &p.tableName,
		Item: map[string]ddbtypes.AttributeValue{
			"PK":        &ddbtypes.AttributeValueMemberS{Value: pkRunLock},
			"SK":        &ddbtypes.AttributeValueMemberS{Value: skLock},
			"runId":     &ddbtypes.AttributeValueMemberS{Value: runID},
			"expiresAt": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).UnixMilli(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) OR expiresAt < :now"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionalCheckFailed(err) {
		return fmt.Errorf("acquiring run lock: %w", err)
	}

	holder, expiresAt := p.lockHolder(ctx)
	return &store.LockHeldError{HolderRunID: holder, ExpiresAt: expiresAt}
}

func (p *Provider) lockHolder(ctx context.Context) (string, time.Time) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &p.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: pkRunLock},
			"SK": &ddbtypes.AttributeValueMemberS{Value: skLock},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil || out.Item == nil {
		return "", time.Time{}
	}

	var holder string
	var expiresAt time.Time
	if av, ok := out.Item["runId"].(*ddbtypes.AttributeValueMemberS); ok {
		holder = av.Value
	}
	if av, ok := out.Item["expiresAt"].(*ddbtypes.AttributeValueMemberN); ok {
		if ms, perr := strconv.ParseInt(av.Value, 10, 64); perr == nil {
			expiresAt = time.UnixMilli(ms).UTC()
		}
	}
	return holder, expiresAt
}

// ReleaseRunLock deletes the lock only while runID holds it. A lock already
// released or taken over is not an error.
func (p *Provider) ReleaseRunLock(ctx context.Context, runID string) error {
	_, err := p.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &p.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: pkRunLock},
			"SK": &ddbtypes.AttributeValueMemberS{Value: skLock},
		},
		ConditionExpression: aws.String("runId = :rid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":rid": &ddbtypes.AttributeValueMemberS{Value: runID},
		},
	})
	if err != nil && !isConditionalCheckFailed(err) {
		return fmt.Errorf("releasing run lock: %w", err)
	}
	return nil
}
