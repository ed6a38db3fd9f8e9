package dynamodb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// AppendRunLog stores the run report and prunes rows beyond the retention
// limit.
func (p *Provider) AppendRunLog(ctx context.Context, result types.RunResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}

	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &p.tableName,
		Item: map[string]ddbtypes.AttributeValue{
			"PK":    &ddbtypes.AttributeValueMemberS{Value: pkRunLog},
			"SK":    &ddbtypes.AttributeValueMemberS{Value: runSK(result.StartedAt, result.RunID)},
			"runId": &ddbtypes.AttributeValueMemberS{Value: result.RunID},
			"data":  &ddbtypes.AttributeValueMemberS{Value: string(data)},
		},
	})
	if err != nil {
		return fmt.Errorf("writing run log: %w", err)
	}
	return p.pruneRunLog(ctx)
}

func (p *Provider) pruneRunLog(ctx context.Context) error {
	out, err := p.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &p.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk":     &ddbtypes.AttributeValueMemberS{Value: pkRunLog},
			":prefix": &ddbtypes.AttributeValueMemberS{Value: prefixRun},
		},
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return fmt.Errorf("listing run log for prune: %w", err)
	}

	for i, item := range out.Items {
		if i < p.runLogLimit {
			continue
		}
		sk, ok := item["SK"].(*ddbtypes.AttributeValueMemberS)
		if !ok {
			continue
		}
		_, err := p.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: &p.tableName,
			Key: map[string]ddbtypes.AttributeValue{
				"PK": &ddbtypes.AttributeValueMemberS{Value: pkRunLog},
				"SK": sk,
			},
		})
		if err != nil {
			p.logger.Warn("pruning run log row failed", "sk", sk.Value, "error", err)
		}
	}
	return nil
}

// RecentRuns returns up to limit reports, newest first.
func (p *Provider) RecentRuns(ctx context.Context, limit int) ([]types.RunResult, error) {
	if limit <= 0 {
		limit = p.runLogLimit
	}

	out, err := p.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &p.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk":     &ddbtypes.AttributeValueMemberS{Value: pkRunLog},
			":prefix": &ddbtypes.AttributeValueMemberS{Value: prefixRun},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing run log: %w", err)
	}

	var results []types.RunResult
	for _, item := range out.Items {
		data, ok := item["data"].(*ddbtypes.AttributeValueMemberS)
		if !ok {
			p.logger.Warn("skipping run log row without data")
			continue
		}
		var result types.RunResult
		if err := json.Unmarshal([]byte(data.Value), &result); err != nil {
			p.logger.Warn("skipping corrupt run log data", "error", err)
			continue
		}
		results = append(results, result)
	}
	return results, nil
}
