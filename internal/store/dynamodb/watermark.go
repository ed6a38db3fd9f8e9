package dynamodb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

type watermarkItem struct {
	PK             string `dynamodbav:"PK"`
	SK             string `dynamodbav:"SK"`
	Source         string `dynamodbav:"source"`
	MetricType     string `dynamodbav:"metricType"`
	LastMigratedAt int64  `dynamodbav:"lastMigratedAt"`
	LastRecordID   string `dynamodbav:"lastRecordId"`
	UpdatedAt      int64  `dynamodbav:"updatedAt"`
}

// Watermark reads the stored watermark with a consistent read, or returns
// the epoch-zero default.
func (p *Provider) Watermark(ctx context.Context, source types.Source, metric types.MetricType) (types.Watermark, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &p.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: watermarkPK(source, metric)},
			"SK": &ddbtypes.AttributeValueMemberS{Value: skState},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return types.Watermark{}, fmt.Errorf("reading watermark: %w", err)
	}
	if out.Item == nil {
		return types.ZeroWatermark(source, metric), nil
	}

	var item watermarkItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return types.Watermark{}, fmt.Errorf("decoding watermark item: %w", err)
	}
	return types.Watermark{
		Source:         source,
		MetricType:     metric,
		LastMigratedAt: time.UnixMilli(item.LastMigratedAt).UTC(),
		LastRecordID:   item.LastRecordID,
		UpdatedAt:      time.UnixMilli(item.UpdatedAt).UTC(),
	}, nil
}

// Advance writes the watermark with a condition enforcing monotonic moves.
// A failed condition is either the equal-timestamp no-op or a regression;
// a follow-up read tells them apart.
func (p *Provider) Advance(ctx context.Context, source types.Source, metric types.MetricType, ts time.Time, recordID string) error {
	item := watermarkItem{
		PK:             watermarkPK(source, metric),
		SK:             skState,
		Source:         string(source),
		MetricType:     string(metric),
		LastMigratedAt: ts.UnixMilli(),
		LastRecordID:   recordID,
		UpdatedAt:      time.Now().UnixMilli(),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("encoding watermark item: %w", err)
	}

	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &p.tableName,
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR lastMigratedAt < :ts OR (lastMigratedAt = :ts AND lastRecordId <> :rid)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":ts":  &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(ts.UnixMilli(), 10)},
			":rid": &ddbtypes.AttributeValueMemberS{Value: recordID},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionalCheckFailed(err) {
		return fmt.Errorf("writing watermark: %w", err)
	}

	stored, err := p.Watermark(ctx, source, metric)
	if err != nil {
		return err
	}
	if ts.Before(stored.LastMigratedAt) {
		return fmt.Errorf("%s/%s: %w: stored %s, got %s", source, metric,
			store.ErrWatermarkRegression,
			stored.LastMigratedAt.Format(time.RFC3339), ts.UTC().Format(time.RFC3339))
	}
	// Equal timestamp, same record id.
	return nil
}
