package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/assertions"
	"github.com/aws/jsii-runtime-go"
	"github.com/stretchr/testify/require"
)

// setupTestDirs creates a temp dist directory with a dummy bootstrap file so
// CDK asset resolution succeeds without a real build.
func setupTestDirs(t *testing.T) StackConfig {
	t.Helper()
	tmp := t.TempDir()

	distDir := filepath.Join(tmp, "lambda")
	require.NoError(t, os.MkdirAll(distDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(distDir, "bootstrap"), []byte("#!/bin/sh\n"), 0o755))

	cfg := DefaultConfig()
	cfg.LambdaDistDir = distDir
	return cfg
}

func synthTemplate(t *testing.T, cfg StackConfig) assertions.Template {
	t.Helper()
	app := awscdk.NewApp(nil)
	stack := NewMetrics2GarminStack(app, "TestStack", cfg)
	return assertions.Template_FromStack(stack, nil)
}

func TestStateTable(t *testing.T) {
	cfg := setupTestDirs(t)
	tmpl := synthTemplate(t, cfg)

	tmpl.HasResourceProperties(jsii.String("AWS::DynamoDB::GlobalTable"), map[string]interface{}{
		"TableName": jsii.String("metrics2garmin-state"),
		"KeySchema": &[]interface{}{
			map[string]interface{}{"AttributeName": jsii.String("PK"), "KeyType": jsii.String("HASH")},
			map[string]interface{}{"AttributeName": jsii.String("SK"), "KeyType": jsii.String("RANGE")},
		},
	})
}

func TestTableRetainedByDefault(t *testing.T) {
	cfg := setupTestDirs(t)
	tmpl := synthTemplate(t, cfg)

	tmpl.HasResource(jsii.String("AWS::DynamoDB::GlobalTable"), map[string]interface{}{
		"DeletionPolicy": jsii.String("Retain"),
	})
}

func TestRunTopic(t *testing.T) {
	cfg := setupTestDirs(t)
	tmpl := synthTemplate(t, cfg)

	tmpl.HasResourceProperties(jsii.String("AWS::SNS::Topic"), map[string]interface{}{
		"TopicName": jsii.String("metrics2garmin-runs"),
	})
}

func TestRunnerFunction(t *testing.T) {
	cfg := setupTestDirs(t)
	tmpl := synthTemplate(t, cfg)

	tmpl.HasResourceProperties(jsii.String("AWS::Lambda::Function"), map[string]interface{}{
		"FunctionName": jsii.String("metrics2garmin-runner"),
		"Runtime":      jsii.String("provided.al2023"),
		"Handler":      jsii.String("bootstrap"),
		"Architectures": &[]interface{}{
			jsii.String("arm64"),
		},
		"MemorySize": jsii.Number(256),
		"Timeout":    jsii.Number(300),
	})
}

func TestRunnerEnvironment(t *testing.T) {
	cfg := setupTestDirs(t)
	tmpl := synthTemplate(t, cfg)

	tmpl.HasResourceProperties(jsii.String("AWS::Lambda::Function"), map[string]interface{}{
		"FunctionName": jsii.String("metrics2garmin-runner"),
		"Environment": assertions.Match_ObjectLike(&map[string]interface{}{
			"Variables": assertions.Match_ObjectLike(&map[string]interface{}{
				"LOG_FORMAT":    jsii.String("json"),
				"STATE_TABLE":   assertions.Match_ObjectLike(&map[string]interface{}{}),
				"SNS_TOPIC_ARN": assertions.Match_ObjectLike(&map[string]interface{}{}),
			}),
		}),
	})
}

func TestLambdaFunctionCount(t *testing.T) {
	cfg := setupTestDirs(t)
	tmpl := synthTemplate(t, cfg)

	// runner + the CDK log-retention custom resource
	tmpl.ResourceCountIs(jsii.String("AWS::Lambda::Function"), jsii.Number(2))
}

func TestScheduleRule(t *testing.T) {
	cfg := setupTestDirs(t)
	tmpl := synthTemplate(t, cfg)

	tmpl.HasResourceProperties(jsii.String("AWS::Events::Rule"), map[string]interface{}{
		"Name":               jsii.String("metrics2garmin-schedule"),
		"ScheduleExpression": jsii.String("rate(6 hours)"),
		"State":              jsii.String("ENABLED"),
		"Targets": assertions.Match_ArrayWith(&[]interface{}{
			assertions.Match_ObjectLike(&map[string]interface{}{
				"Arn": assertions.Match_ObjectLike(&map[string]interface{}{}),
			}),
		}),
	})
}

func TestRunnerGrants(t *testing.T) {
	cfg := setupTestDirs(t)
	tmpl := synthTemplate(t, cfg)

	tpl := tmpl.ToJSON()
	tplBytes, _ := json.Marshal(tpl)
	require.Contains(t, string(tplBytes), "dynamodb:PutItem")
	require.Contains(t, string(tplBytes), "sns:Publish")
}

func TestCredentialSecretWiring(t *testing.T) {
	cfg := setupTestDirs(t)
	cfg.CredentialsSecretARN = "arn:aws:secretsmanager:eu-west-2:123456789012:secret:metrics2garmin-AbC123"
	tmpl := synthTemplate(t, cfg)

	tmpl.HasResourceProperties(jsii.String("AWS::Lambda::Function"), map[string]interface{}{
		"FunctionName": jsii.String("metrics2garmin-runner"),
		"Environment": assertions.Match_ObjectLike(&map[string]interface{}{
			"Variables": assertions.Match_ObjectLike(&map[string]interface{}{
				"GARMIN_EMAIL":    jsii.String("aws-secrets://" + cfg.CredentialsSecretARN + "#garmin_email"),
				"GARMIN_PASSWORD": jsii.String("aws-secrets://" + cfg.CredentialsSecretARN + "#garmin_password"),
			}),
		}),
	})

	tmpl.HasResourceProperties(jsii.String("AWS::IAM::Policy"), map[string]interface{}{
		"PolicyDocument": assertions.Match_ObjectLike(&map[string]interface{}{
			"Statement": assertions.Match_ArrayWith(&[]interface{}{
				assertions.Match_ObjectLike(&map[string]interface{}{
					"Action":   jsii.String("secretsmanager:GetSecretValue"),
					"Resource": jsii.String(cfg.CredentialsSecretARN),
				}),
			}),
		}),
	})
}

func TestNoSecretAccessWhenUnset(t *testing.T) {
	cfg := setupTestDirs(t)
	tmpl := synthTemplate(t, cfg)

	tpl := tmpl.ToJSON()
	tplBytes, _ := json.Marshal(tpl)
	require.NotContains(t, string(tplBytes), "secretsmanager:GetSecretValue")
	require.NotContains(t, string(tplBytes), "aws-secrets://")
}

func TestStackOutputs(t *testing.T) {
	cfg := setupTestDirs(t)
	tmpl := synthTemplate(t, cfg)

	tmpl.HasOutput(jsii.String("TableName"), map[string]interface{}{})
	tmpl.HasOutput(jsii.String("TopicArn"), map[string]interface{}{})
	tmpl.HasOutput(jsii.String("FunctionName"), map[string]interface{}{})
}
