package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// snsSubjectLimit is the hard cap SNS places on the Subject attribute.
const snsSubjectLimit = 100

// SNSAPI is the subset of the SNS client used by the notifier.
type SNSAPI interface {
	Publish(ctx context.Context, input *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS publishes finished runs to an SNS topic as JSON.
type SNS struct {
	client   SNSAPI
	topicARN string
}

// SNSOption configures an SNS notifier.
type SNSOption func(*SNS)

// WithSNSClient sets a custom SNS client (useful for testing).
func WithSNSClient(c SNSAPI) SNSOption {
	return func(n *SNS) { n.client = c }
}

// NewSNS creates an SNS notifier. Without a custom client it uses the
// ambient AWS credential chain.
func NewSNS(topicARN string, opts ...SNSOption) (*SNS, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN required")
	}
	n := &SNS{topicARN: topicARN}
	for _, o := range opts {
		o(n)
	}
	if n.client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		n.client = sns.NewFromConfig(cfg)
	}
	return n, nil
}

// Name returns the notifier identifier.
func (n *SNS) Name() string { return "sns" }

// Notify publishes the run result to the configured topic.
func (n *SNS) Notify(ctx context.Context, result types.RunResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling run result: %w", err)
	}

	subject := fmt.Sprintf("[%s] migration run %s", result.Status, result.RunID)
	if len(subject) > snsSubjectLimit {
		subject = subject[:snsSubjectLimit]
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(string(data)),
	})
	if err != nil {
		return fmt.Errorf("publishing to SNS: %w", err)
	}
	return nil
}
