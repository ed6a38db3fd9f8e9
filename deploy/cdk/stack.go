package main

import (
	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsdynamodb"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsevents"
	"github.com/aws/aws-cdk-go/awscdk/v2/awseventstargets"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslambda"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslogs"
	"github.com/aws/aws-cdk-go/awscdk/v2/awssns"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

// credentialKeys maps runtime environment variables to JSON keys inside the
// credentials secret. The config loader resolves these references on startup.
var credentialKeys = map[string]string{
	"GARMIN_EMAIL":         "garmin_email",
	"GARMIN_PASSWORD":      "garmin_password",
	"FITBIT_CLIENT_ID":     "fitbit_client_id",
	"FITBIT_CLIENT_SECRET": "fitbit_client_secret",
	"OMRON_EMAIL":          "omron_email",
	"OMRON_PASSWORD":       "omron_password",
}

func NewMetrics2GarminStack(scope constructs.Construct, id string, cfg StackConfig) awscdk.Stack {
	stack := awscdk.NewStack(scope, &id, nil)

	// State table: same composite string key layout the DynamoDB store
	// provisions for itself when asked to create its own table.
	table := awsdynamodb.NewTableV2(stack, jsii.String("StateTable"), &awsdynamodb.TablePropsV2{
		TableName: jsii.String(cfg.TableName),
		PartitionKey: &awsdynamodb.Attribute{
			Name: jsii.String("PK"),
			Type: awsdynamodb.AttributeType_STRING,
		},
		SortKey: &awsdynamodb.Attribute{
			Name: jsii.String("SK"),
			Type: awsdynamodb.AttributeType_STRING,
		},
		Billing:       awsdynamodb.Billing_OnDemand(nil),
		RemovalPolicy: removalPolicy(cfg.DestroyOnDelete),
	})

	topic := awssns.NewTopic(stack, jsii.String("RunTopic"), &awssns.TopicProps{
		TopicName: jsii.String(cfg.Name + "-runs"),
	})

	env := &map[string]*string{
		"STATE_TABLE":   table.TableName(),
		"SNS_TOPIC_ARN": topic.TopicArn(),
		"LOG_FORMAT":    jsii.String("json"),
	}
	if cfg.CredentialsSecretARN != "" {
		for name, key := range credentialKeys {
			(*env)[name] = jsii.String("aws-secrets://" + cfg.CredentialsSecretARN + "#" + key)
		}
	}

	runnerFn := awslambda.NewFunction(stack, jsii.String("runner"), &awslambda.FunctionProps{
		FunctionName: jsii.String(cfg.Name + "-runner"),
		Runtime:      awslambda.Runtime_PROVIDED_AL2023(),
		Handler:      jsii.String("bootstrap"),
		Code:         awslambda.Code_FromAsset(jsii.String(cfg.LambdaDistDir), nil),
		Architecture: awslambda.Architecture_ARM_64(),
		MemorySize:   jsii.Number(cfg.MemorySize),
		Timeout:      awscdk.Duration_Seconds(jsii.Number(cfg.Timeout)),
		Environment:  env,
		LogRetention: logRetentionDays(cfg.LogRetentionDays),
	})

	table.GrantReadWriteData(runnerFn)
	topic.GrantPublish(runnerFn)
	if cfg.CredentialsSecretARN != "" {
		runnerFn.AddToRolePolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
			Actions:   &[]*string{jsii.String("secretsmanager:GetSecretValue")},
			Resources: &[]*string{jsii.String(cfg.CredentialsSecretARN)},
		}))
	}

	rule := awsevents.NewRule(stack, jsii.String("Schedule"), &awsevents.RuleProps{
		RuleName: jsii.String(cfg.Name + "-schedule"),
		Schedule: awsevents.Schedule_Rate(awscdk.Duration_Hours(jsii.Number(cfg.ScheduleHours))),
	})
	rule.AddTarget(awseventstargets.NewLambdaFunction(runnerFn, nil))

	awscdk.NewCfnOutput(stack, jsii.String("TableName"), &awscdk.CfnOutputProps{
		Value: table.TableName(),
	})
	awscdk.NewCfnOutput(stack, jsii.String("TopicArn"), &awscdk.CfnOutputProps{
		Value: topic.TopicArn(),
	})
	awscdk.NewCfnOutput(stack, jsii.String("FunctionName"), &awscdk.CfnOutputProps{
		Value: runnerFn.FunctionName(),
	})

	return stack
}

func removalPolicy(destroy bool) awscdk.RemovalPolicy {
	if destroy {
		return awscdk.RemovalPolicy_DESTROY
	}
	return awscdk.RemovalPolicy_RETAIN
}

func logRetentionDays(days float64) awslogs.RetentionDays {
	switch days {
	case 1:
		return awslogs.RetentionDays_ONE_DAY
	case 3:
		return awslogs.RetentionDays_THREE_DAYS
	case 5:
		return awslogs.RetentionDays_FIVE_DAYS
	case 7:
		return awslogs.RetentionDays_ONE_WEEK
	case 14:
		return awslogs.RetentionDays_TWO_WEEKS
	case 30:
		return awslogs.RetentionDays_ONE_MONTH
	case 60:
		return awslogs.RetentionDays_TWO_MONTHS
	case 90:
		return awslogs.RetentionDays_THREE_MONTHS
	case 365:
		return awslogs.RetentionDays_ONE_YEAR
	default:
		return awslogs.RetentionDays_TWO_WEEKS
	}
}
